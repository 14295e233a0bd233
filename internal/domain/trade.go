package domain

import "time"

// Trade represents a completed (archived) position.
type Trade struct {
	ID          int64       // Unique identifier for the trade (usually from DB)
	PositionID  string      // Identifier of the position this trade closed
	Symbol      string      // Trading symbol (e.g., "ETHUSDT")
	Side        OrderSide   // Side of the entry order
	Strategy    string      // Strategy of the originating opportunity
	EntryPrice  float64     // Price at which the position was entered
	ExitPrice   float64     // Price at which the position was exited
	Quantity    float64     // Size of the position traded
	Leverage    float64     // Leverage used for the position
	PNL         float64     // Profit and Loss for this trade
	EntryTime   time.Time   // Timestamp when the position was entered
	ExitTime    time.Time   // Timestamp when the position was exited
	CloseReason CloseReason // Reason why the position was closed (SL, TP, etc.)
}

// TradeFromPosition archives a closed position into a trade record.
func TradeFromPosition(p *Position) *Trade {
	return &Trade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Strategy:    p.Strategy,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.Size,
		Leverage:    p.Leverage,
		PNL:         p.PNL,
		EntryTime:   p.EntryTime,
		ExitTime:    p.ExitTime,
		CloseReason: p.CloseReason,
	}
}
