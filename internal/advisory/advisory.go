// Package advisory provides bounded multipliers applied to a sized position.
package advisory

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"futuresRiskBot/internal/ports"
)

// Contract bounds of any advisory multiplier.
const (
	MinMultiplier = 0.0
	MaxMultiplier = 1.5
)

// Clamp forces v into the advisory contract. NaN maps to the neutral 1.0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 1.0
	}
	return math.Min(MaxMultiplier, math.Max(MinMultiplier, v))
}

// Neutral never changes the sized position.
type Neutral struct{}

// Multiplier always returns 1.0.
func (Neutral) Multiplier(context.Context, string, time.Time) float64 { return 1.0 }

// Hashed is a deterministic signal of (symbol, time bucket). Identical inputs
// always produce the same multiplier, which keeps backtests reproducible.
type Hashed struct {
	Bucket time.Duration // width of a time bucket; zero means one hour
	Floor  float64       // lowest multiplier produced
	Ceil   float64       // highest multiplier produced
	Seed   uint64        // varies the sequence between deployments
}

// NewHashed creates a hashed advisor spreading its output over [floor, ceil],
// clipped to the contract bounds.
func NewHashed(bucket time.Duration, floor, ceil float64, seed uint64) *Hashed {
	floor, ceil = Clamp(floor), Clamp(ceil)
	if floor > ceil {
		floor, ceil = ceil, floor
	}
	return &Hashed{Bucket: bucket, Floor: floor, Ceil: ceil, Seed: seed}
}

// Multiplier returns a value in [Floor, Ceil].
func (h *Hashed) Multiplier(_ context.Context, symbol string, at time.Time) float64 {
	bucket := h.Bucket
	if bucket <= 0 {
		bucket = time.Hour
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(at.UTC().Truncate(bucket).Unix()))
	binary.BigEndian.PutUint64(buf[8:], h.Seed)

	d := xxhash.New()
	_, _ = d.WriteString(symbol)
	_, _ = d.Write(buf[:])

	// Top 53 bits give a uniform fraction in [0,1).
	frac := float64(d.Sum64()>>11) / float64(uint64(1)<<53)
	return Clamp(h.Floor + frac*(h.Ceil-h.Floor))
}

// Bounded wraps any advisor and enforces the contract on its output.
type Bounded struct {
	Inner ports.Advisor
}

// Multiplier returns the inner advisor's value clamped to [0, 1.5]; no inner advisor means 1.0.
func (b Bounded) Multiplier(ctx context.Context, symbol string, at time.Time) float64 {
	if b.Inner == nil {
		return 1.0
	}
	return Clamp(b.Inner.Multiplier(ctx, symbol, at))
}
