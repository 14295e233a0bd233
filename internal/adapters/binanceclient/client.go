package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.OrderExecutor and ports.MarketDataProvider using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration

	mu        sync.RWMutex
	precision map[string]symbolPrecision
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey      string
	SecretKey   string
	UseTestnet  bool
	BaseURL     string // overrides the production/testnet URL when set
	Logger      ports.Logger
	MaxAttempts int           // attempts per call including the first, default 3
	BaseDelay   time.Duration // first retry delay, default 500ms
	MaxDelay    time.Duration // retry delay ceiling, default 5s
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for Binance client", ports.ErrConfiguration)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: API key and secret are required for order execution", ports.ErrConfiguration)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL, "testnet": cfg.UseTestnet})

	c := &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		maxAttempts:   cfg.MaxAttempts,
		baseDelay:     cfg.BaseDelay,
		maxDelay:      cfg.MaxDelay,
		precision:     make(map[string]symbolPrecision),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 500 * time.Millisecond
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = 10 * c.baseDelay
	}
	return c, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		c.logger.Error(ctx, err, operation+": API error", fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mapAPICode(apiErr.Code), err)
	}

	var mapped error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mapped = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		mapped = ports.ErrContextCanceled
	case isConnectionError(err):
		mapped = ports.ErrExchangeUnavailable
	default:
		mapped = ports.ErrUnknown
	}
	c.logger.Error(ctx, err, operation+": failed", fields)
	return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
}

func mapAPICode(code int64) error {
	switch code {
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1001, -1006, -1007: // Disconnected / unexpected response / timeout waiting for backend
		return ports.ErrExchangeUnavailable
	case -1021: // Timestamp outside of the recvWindow
		return ports.ErrTimeout
	case -1022, -2014, -2015: // Bad signature / API-key format / key, IP or permissions
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130,
		-4003, -4014, -4015, -4164: // Parameter, quantity, price, leverage or notional errors
		return ports.ErrInvalidRequest
	case -2010, -2021, -2022: // New order rejected / would trigger immediately / reduce-only rejected
		return ports.ErrOrderPlacementFailed
	case -2011, -2013: // Unknown order on cancel / order does not exist
		return ports.ErrOrderNotFound
	case -2019, -3005, -3041, -4047: // Margin or balance insufficient / position limits
		return ports.ErrInsufficientFunds
	case -4044:
		return ports.ErrNotFound
	default:
		return ports.ErrUnknown
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "EOF")
}

// withRetry runs call until it succeeds, fails permanently or attempts run out.
// Order placement passes safeOnUnavailable=false: a dropped connection may have
// delivered the order, so only an explicit rate-limit rejection is retried.
func (c *Client) withRetry(ctx context.Context, op string, safeOnUnavailable bool, call func() error) error {
	b := &backoff.Backoff{Min: c.baseDelay, Max: c.maxDelay, Factor: 2, Jitter: true}
	for {
		err := c.handleError(ctx, call(), op)
		if err == nil {
			return nil
		}
		retryable := errors.Is(err, ports.ErrRateLimited) ||
			(safeOnUnavailable && errors.Is(err, ports.ErrExchangeUnavailable))
		if !retryable || int(b.Attempt())+1 >= c.maxAttempts {
			return err
		}

		delay := b.Duration()
		c.logger.Warn(ctx, op+": retrying", map[string]interface{}{"attempt": int(b.Attempt()) + 1, "delay": delay.String()})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		}
	}
}

// --- MarketDataProvider ---

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	var tickers []*futures.PremiumIndex
	err := c.withRetry(ctx, op, true, func() (err error) {
		tickers, err = c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("%s: no price data for %s: %w", op, symbol, ports.ErrNotFound)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err), op)
	}
	return price, nil
}

// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	var account *futures.Account
	err := c.withRetry(ctx, op, true, func() (err error) {
		account, err = c.futuresClient.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, bal := range account.Assets {
		if bal.Asset != asset {
			continue
		}
		balance, err := strconv.ParseFloat(bal.AvailableBalance, 64)
		if err != nil {
			return 0, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, asset, err), op)
		}
		return balance, nil
	}
	return 0, fmt.Errorf("%s: asset %s not in account: %w", op, asset, ports.ErrNotFound)
}

// GetOpenPositions lists every non-zero position on the account.
func (c *Client) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	op := "GetOpenPositions"
	var risks []*futures.PositionRisk
	err := c.withRetry(ctx, op, true, func() (err error) {
		risks, err = c.futuresClient.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		if p, ok := translatePositionRisk(r); ok {
			out = append(out, p)
		}
	}
	c.logger.Debug(ctx, op+": positions loaded", map[string]interface{}{"count": len(out)})
	return out, nil
}

// --- OrderExecutor ---

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	err := c.withRetry(ctx, op, true, func() error {
		_, err := c.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
	if err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// CancelAllOrders cancels every resting order for symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	err := c.withRetry(ctx, op, true, func() error {
		return c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// ExecuteOrder submits req. Quantities and prices are truncated to the symbol's exchange precision.
func (c *Client) ExecuteOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	op := "ExecuteOrder"
	prec := c.symbolPrecision(ctx, req.Symbol)

	qty := formatQuantity(req.Quantity, prec.quantity)
	if qty == "0" {
		return nil, fmt.Errorf("%s: quantity %v rounds to zero for %s: %w", op, req.Quantity, req.Symbol, ports.ErrInvalidRequest)
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch req.Type {
	case domain.OrderTypeLimit:
		svc = svc.Price(formatPrice(req.Price, prec.price)).TimeInForce(futures.TimeInForceTypeGTC)
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(formatPrice(req.StopPrice, prec.price))
	case domain.OrderTypeTrailingStopMarket:
		svc = svc.CallbackRate(formatCallbackRate(req.CallbackRate))
		if req.ActivationPrice > 0 {
			svc = svc.ActivationPrice(formatPrice(req.ActivationPrice, prec.price))
		}
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	fields := map[string]interface{}{"symbol": req.Symbol, "side": req.Side, "type": req.Type, "quantity": qty, "reduceOnly": req.ReduceOnly}
	c.logger.Debug(ctx, op+": placing order", fields)

	var order *futures.CreateOrderResponse
	err := c.withRetry(ctx, op, false, func() (err error) {
		order, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := translateOrderResponse(order)
	fields["orderID"] = res.OrderID
	fields["status"] = res.Status
	c.logger.Info(ctx, op+" successful", fields)
	return res, nil
}

// --- Translation Helpers ---

func translateOrderResponse(order *futures.CreateOrderResponse) *domain.OrderResult {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &domain.OrderResult{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        domain.OrderSide(order.Side),
		Type:        domain.OrderType(order.Type),
		AvgPrice:    avgPrice,
		OrigQty:     origQty,
		ExecutedQty: execQty,
		Status:      string(order.Status),
		Timestamp:   time.UnixMilli(order.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) (domain.ExchangePosition, bool) {
	if pos == nil {
		return domain.ExchangePosition{}, false
	}
	amt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	if amt == 0 {
		return domain.ExchangePosition{}, false
	}
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage)

	return domain.ExchangePosition{
		Symbol:     pos.Symbol,
		Amount:     amt,
		EntryPrice: entryPrice,
		MarkPrice:  markPrice,
		Leverage:   leverage,
	}, true
}
