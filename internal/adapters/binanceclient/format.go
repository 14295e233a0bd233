package binanceclient

import (
	"context"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Used until exchange info for a symbol has been loaded.
const (
	defaultQuantityPrecision = 3
	defaultPricePrecision    = 2
)

type symbolPrecision struct {
	quantity int32
	price    int32
}

// symbolPrecision returns cached precision for symbol, loading exchange info on first use.
// Failure to load falls back to the defaults and is retried on the next call.
func (c *Client) symbolPrecision(ctx context.Context, symbol string) symbolPrecision {
	c.mu.RLock()
	p, ok := c.precision[symbol]
	c.mu.RUnlock()
	if ok {
		return p
	}

	fallback := symbolPrecision{quantity: defaultQuantityPrecision, price: defaultPricePrecision}
	var info *futures.ExchangeInfo
	err := c.withRetry(ctx, "ExchangeInfo", true, func() (err error) {
		info, err = c.futuresClient.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		c.logger.Warn(ctx, "ExchangeInfo: using default precision", map[string]interface{}{"symbol": symbol})
		return fallback
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		c.precision[s.Symbol] = symbolPrecision{quantity: int32(s.QuantityPrecision), price: int32(s.PricePrecision)}
	}
	if p, ok := c.precision[symbol]; ok {
		return p
	}
	c.precision[symbol] = fallback
	return fallback
}

// QuantityStep is the smallest quantity increment the exchange accepts for symbol.
func (c *Client) QuantityStep(ctx context.Context, symbol string) float64 {
	return decimal.New(1, -c.symbolPrecision(ctx, symbol).quantity).InexactFloat64()
}

// formatQuantity truncates toward zero so an order never exceeds the sized quantity.
func formatQuantity(q float64, places int32) string {
	return decimal.NewFromFloat(q).Truncate(places).String()
}

func formatPrice(p float64, places int32) string {
	return decimal.NewFromFloat(p).Round(places).String()
}

// formatCallbackRate clamps to the exchange range [0.1, 5] percent in 0.1 steps.
func formatCallbackRate(rate float64) string {
	d := decimal.NewFromFloat(rate).Round(1)
	lo, hi := decimal.RequireFromString("0.1"), decimal.NewFromInt(5)
	if d.LessThan(lo) {
		d = lo
	}
	if d.GreaterThan(hi) {
		d = hi
	}
	return d.String()
}
