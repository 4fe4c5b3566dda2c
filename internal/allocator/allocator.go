// Package allocator produces the disambiguated deposit amount: the
// requested amount plus a small pseudo-random offset that works as a
// de-facto memo on the shared collection address.
package allocator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	// Offset bounds in the feed's unit. The drawn offset r satisfies
	// OffsetMin < r < OffsetMax.
	OffsetMin decimal.Decimal
	OffsetMax decimal.Decimal
	// Precision the result is rounded to. Must not exceed the feed's
	// precision or legitimate deposits stop matching.
	Precision int32
}

func DefaultConfig() Config {
	return Config{
		OffsetMin: decimal.RequireFromString("0.01"),
		OffsetMax: decimal.RequireFromString("0.99"),
		Precision: 2,
	}
}

func (c Config) Validate() error {
	if c.OffsetMin.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("offset_min must be positive")
	}
	if c.OffsetMax.LessThanOrEqual(c.OffsetMin) {
		return fmt.Errorf("offset_max must exceed offset_min")
	}
	if c.Precision < 0 {
		return fmt.Errorf("precision must be non-negative")
	}
	return nil
}

// Allocator is safe for concurrent use. It makes no global uniqueness
// guarantee: two concurrent orders can draw the same offset, and callers
// resolve that by processing order (oldest pending order wins).
type Allocator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NewSeeded fixes the random source; used by tests.
func NewSeeded(cfg Config, seed int64) (*Allocator, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	a.rng = rand.New(rand.NewSource(seed))
	return a, nil
}

// Allocate returns round(requested + r, precision) with r drawn uniformly
// from the configured open interval.
func (a *Allocator) Allocate(requested decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	f := a.rng.Float64()
	a.mu.Unlock()

	span := a.cfg.OffsetMax.Sub(a.cfg.OffsetMin)
	offset := a.cfg.OffsetMin.Add(span.Mul(decimal.NewFromFloat(f)))
	return requested.Add(offset).Round(a.cfg.Precision)
}
