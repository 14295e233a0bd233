package ports

import (
	"context"

	"futuresRiskBot/internal/domain"
)

// OrderExecutor places and cancels orders on behalf of the engine.
// Implementations own retry policy; the engine never retries on its own.
type OrderExecutor interface {
	// ExecuteOrder submits a single order and returns the exchange acknowledgement.
	ExecuteOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)

	// CancelAllOrders cancels every resting order for the symbol.
	CancelAllOrders(ctx context.Context, symbol string) error

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// QuantityStepper is implemented by executors that only accept whole lot steps.
type QuantityStepper interface {
	// QuantityStep returns the lot step of symbol, or 0 when any quantity is accepted.
	QuantityStep(ctx context.Context, symbol string) float64
}

// MarketDataProvider answers the few market questions the engine asks at decision time.
type MarketDataProvider interface {
	// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// GetMarkPrice retrieves the current mark price for a given symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetOpenPositions lists non-zero positions currently held on the exchange.
	GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error)
}

// OpportunityFeed produces candidate trades, interleaved with the prices observed
// between them.
type OpportunityFeed interface {
	// Records streams feed items in source order until ctx is done or the source
	// is exhausted, then closes the channel.
	Records(ctx context.Context) (<-chan domain.FeedItem, error)
}

// TickSink is implemented by market data providers priced from the feed itself.
type TickSink interface {
	ApplyTick(ctx context.Context, tick domain.Tick)
}
