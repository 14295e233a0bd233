package domain

import "time"

// Position represents a futures position tracked by the engine.
type Position struct {
	ID            string         // Engine-assigned identifier (uuid)
	OrderID       int64          // Exchange order ID of the entry fill
	Symbol        string         // Trading symbol (e.g., "ETHUSDT")
	Side          OrderSide      // Side of the entry order
	Size          float64        // Filled quantity
	EntryPrice    float64        // Average fill price of the entry order
	Leverage      float64        // Leverage applied to the position
	StopLoss      float64        // Price level of the fixed stop leg
	TakeProfit    float64        // Price level of the primary take-profit target
	TrailingDelta float64        // Callback rate (percent) of the trailing stop leg
	Volatility    float64        // Volatility estimate at entry, reused by the exit ladder
	Status        PositionStatus // PENDING, OPEN or CLOSED
	Strategy      string         // Strategy that produced the opportunity (optional)
	Edge          float64        // Edge of the originating opportunity
	Score         float64        // Score of the originating opportunity
	EntryTime     time.Time      // Timestamp when the entry fill was recorded
	ExitPrice     float64        // Price at which the position was exited (0 if open)
	ExitTime      time.Time      // Timestamp when the position was exited (zero value if open)
	PNL           float64        // Profit and loss (calculated on close)
	CloseReason   CloseReason    // Reason for closing (SL, TP, Manual, etc.)
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Direction is +1 for a position opened with BUY and -1 for SELL.
func (p *Position) Direction() float64 {
	return p.Side.Sign()
}

// Notional returns the position value at entry.
func (p *Position) Notional() float64 {
	return p.Size * p.EntryPrice
}
