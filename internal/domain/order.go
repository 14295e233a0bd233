package domain

import "time"

// OrderRequest is what the engine hands to the order execution collaborator.
// Zero-valued optional fields are omitted by adapters.
type OrderRequest struct {
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        float64
	Price           float64 // LIMIT only
	StopPrice       float64 // STOP_MARKET / TAKE_PROFIT_MARKET
	CallbackRate    float64 // TRAILING_STOP_MARKET, percent
	ActivationPrice float64 // TRAILING_STOP_MARKET
	ReduceOnly      bool
}

// OrderResult holds the essential details returned after placing an order.
type OrderResult struct {
	OrderID     int64
	Symbol      string
	Side        OrderSide
	Type        OrderType
	AvgPrice    float64 // Average filled price (0 for resting orders)
	OrigQty     float64 // Original quantity requested
	ExecutedQty float64 // Quantity filled
	Status      string  // Exchange status (NEW, FILLED, ...)
	Timestamp   time.Time
}

// Fill is a fill event reported by the order execution collaborator.
type Fill struct {
	OrderID    int64
	Symbol     string
	Side       OrderSide
	AvgPrice   float64
	FilledQty  float64
	ReduceOnly bool
	Time       time.Time
}

// ExchangePosition is a position as reported by the exchange, used to rehydrate state.
type ExchangePosition struct {
	Symbol     string
	Amount     float64 // Positive for long, negative for short
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}
