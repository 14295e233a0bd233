package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Direction is the trade direction carried by an opportunity.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide maps a direction to the side of its entry order.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusPending PositionStatus = "PENDING"
	StatusOpen    PositionStatus = "OPEN"
	StatusClosed  PositionStatus = "CLOSED"
)

// OrderType enumerates the order types the engine dispatches.
type OrderType string

const (
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "SL"
	CloseReasonTakeProfit   CloseReason = "TP"
	CloseReasonTrailingStop CloseReason = "TRAILING"
	CloseReasonMarket       CloseReason = "Market" // Manual or engine-initiated market close
	CloseReasonLiquidation  CloseReason = "Liquidation"
	CloseReasonUnknown      CloseReason = "Unknown"
	CloseReasonManual       CloseReason = "MANUAL"
	CloseReasonExitFill     CloseReason = "EXIT_FILL" // Reduce-only fill reported by the exchange
)

// MarketCap is the discrete capitalisation category of a symbol.
type MarketCap string

const (
	MarketCapLarge  MarketCap = "large"
	MarketCapMedium MarketCap = "medium"
	MarketCapSmall  MarketCap = "small"
)

// TimeHorizon is the discrete holding horizon of a trade.
type TimeHorizon string

const (
	HorizonShort  TimeHorizon = "short"
	HorizonMedium TimeHorizon = "medium"
	HorizonLong   TimeHorizon = "long"
)

// Strategy names recognised by the leverage matrix. Any other name is neutral.
const (
	StrategyTrend         = "trend"
	StrategyMomentum      = "momentum"
	StrategyMeanReversion = "mean_reversion"
)
