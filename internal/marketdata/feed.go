package marketdata

import (
	"math/rand"
	"sync"
	"time"

	"OptionLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Tick is one price observation. Price is fixed-point with 2 decimal places.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"ts"`
}

// Feed caches the latest tick per symbol. Settlement reads the cache at
// resolution time; a tick older than staleAfter does not count as a live
// price and the caller falls back to a synthetic one.
type Feed struct {
	mu         sync.RWMutex
	ticks      map[string]Tick
	staleAfter time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	log     zerolog.Logger
	metrics *observability.Metrics
}

const DefaultStaleAfter = 15 * time.Second

func NewFeed(staleAfter time.Duration, metrics *observability.Metrics) *Feed {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Feed{
		ticks:      make(map[string]Tick),
		staleAfter: staleAfter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		log:        observability.NewLogger("marketdata"),
		metrics:    metrics,
	}
}

// Record stores a tick, keeping only the newest per symbol.
func (f *Feed) Record(t Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.ticks[t.Symbol]; ok && prev.Timestamp.After(t.Timestamp) {
		return
	}
	f.ticks[t.Symbol] = t

	if f.metrics != nil {
		f.metrics.PriceTicks.WithLabelValues(t.Symbol).Inc()
	}
}

// Price returns the cached price for symbol if it is fresh as of now.
func (f *Feed) Price(symbol string, now time.Time) (int64, bool) {
	f.mu.RLock()
	t, ok := f.ticks[symbol]
	f.mu.RUnlock()

	if !ok || now.Sub(t.Timestamp) > f.staleAfter {
		if f.metrics != nil {
			f.metrics.PriceStaleReads.Inc()
		}
		return 0, false
	}
	return t.Price, true
}

// LastKnown returns the most recent cached price for symbol regardless of
// age. Trade creation snapshots the entry price from here; only resolution
// insists on freshness.
func (f *Feed) LastKnown(symbol string) (int64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.ticks[symbol]
	if !ok {
		return 0, false
	}
	return t.Price, true
}

// Synthetic derives a pseudo-random exit price near entry, used when no live
// price is available at resolution time. The walk is at most ±0.5% and never
// exactly flat, so the market signal stays well defined.
func (f *Feed) Synthetic(entry int64) int64 {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()

	span := entry / 200 // 0.5%
	if span < 1 {
		span = 1
	}
	delta := f.rng.Int63n(2*span) - span
	if delta == 0 {
		delta = 1
	}
	exit := entry + delta
	if exit < 1 {
		exit = 1
	}
	return exit
}
