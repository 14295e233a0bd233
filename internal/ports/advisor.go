package ports

import (
	"context"
	"time"
)

// Advisor supplies a bounded scalar applied to a sized position.
// Values are expected in [0, 1.5]; 1.0 means no opinion.
type Advisor interface {
	Multiplier(ctx context.Context, symbol string, at time.Time) float64
}

// MetricsRecorder receives engine telemetry.
type MetricsRecorder interface {
	OpportunityReceived(symbol string)
	OpportunityRejected(symbol, reason string)
	PositionOpened(symbol string, leverage float64)
	PositionClosed(symbol string, pnl float64)
	ExitLegs(symbol string, placed, failed int)
	OpenPositions(n int)
}
