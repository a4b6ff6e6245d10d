// Package valuation resolves current equity from the bridge feed with a cached local fallback.
package valuation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "valuation"

// SnapshotReader supplies account, position and quote snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context, entity string) (schema.Snapshot, error)
}

// Valuation is an equity figure together with its provenance.
type Valuation struct {
	Entity    string                     `json:"entity"`
	Equity    decimal.Decimal            `json:"equity"`
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]decimal.Decimal `json:"positions"`
	Prices    map[string]decimal.Decimal `json:"prices"`
	Source    schema.ValuationSource     `json:"source"`
	Timestamp time.Time                  `json:"timestamp"`
	Errors    []string                   `json:"errors,omitempty"`
}

// MarketValue returns position × price for symbol.
func (v Valuation) MarketValue(symbol string) decimal.Decimal {
	return v.Positions[symbol].Mul(v.Prices[symbol])
}

// Source prefers the primary feed and degrades to the last good snapshot.
type Source struct {
	reader     SnapshotReader
	cache      Cache
	staleAfter time.Duration
	logger     observability.Logger
	metrics    *telemetry.Instruments
	now        func() time.Time
}

// Option configures a Source.
type Option func(*Source)

// WithCache overrides the fallback cache.
func WithCache(cache Cache) Option {
	return func(s *Source) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstruments attaches metric instruments.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(s *Source) { s.metrics = inst }
}

// NewSource constructs a Source. Quotes older than staleAfter count as stale.
func NewSource(reader SnapshotReader, staleAfter time.Duration, opts ...Option) *Source {
	s := &Source{
		reader:     reader,
		cache:      NewMemoryCache(),
		staleAfter: staleAfter,
		logger:     observability.Log(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CurrentEquity values the entity. A stale or failing primary feed falls back to the cached snapshot
// with Source=local; an error is returned only when neither is available.
func (s *Source) CurrentEquity(ctx context.Context, entity string) (Valuation, error) {
	started := s.now()
	snap, err := s.reader.Snapshot(ctx, entity)
	if err == nil {
		stale := s.staleSymbols(snap, started)
		if len(stale) == 0 {
			if cacheErr := s.cache.Store(ctx, entity, snap); cacheErr != nil {
				s.logger.Warn("valuation cache store failed", observability.F("entity", entity), observability.F("error", cacheErr))
			}
			val := price(entity, snap, schema.ValuationPrimary)
			s.metrics.Valuation(ctx, entity, string(val.Source), s.now().Sub(started), false)
			return val, nil
		}
		notes := make([]string, 0, len(stale))
		for _, symbol := range stale {
			notes = append(notes, "stale_quote:"+symbol)
		}
		return s.fallback(ctx, entity, started, &snap, notes)
	}
	s.logger.Warn("primary valuation feed failed", observability.F("entity", entity), observability.F("error", err))
	return s.fallback(ctx, entity, started, nil, []string{"primary_unavailable: " + err.Error()})
}

func (s *Source) fallback(ctx context.Context, entity string, started time.Time, stale *schema.Snapshot, notes []string) (Valuation, error) {
	cached, ok, err := s.cache.Load(ctx, entity)
	if err != nil {
		s.logger.Warn("valuation cache load failed", observability.F("entity", entity), observability.F("error", err))
		notes = append(notes, "cache_unavailable")
	}
	var base schema.Snapshot
	switch {
	case ok:
		base = cached
	case stale != nil:
		base = *stale
		notes = append(notes, "no_cached_snapshot")
	default:
		return Valuation{}, errs.New(component, errs.CodeConnectivity,
			errs.WithMessage("no valuation available"),
			errs.WithReasons(notes...),
			errs.WithField("entity", entity))
	}
	val := price(entity, base, schema.ValuationLocal)
	val.Errors = append(notes, val.Errors...)
	s.metrics.Valuation(ctx, entity, string(val.Source), s.now().Sub(started), true)
	s.logger.Info("valuation degraded to local source",
		observability.F("entity", entity),
		observability.F("as_of", val.Timestamp),
		observability.F("notes", notes))
	return val, nil
}

// staleSymbols lists held symbols whose quote is older than the threshold.
func (s *Source) staleSymbols(snap schema.Snapshot, now time.Time) []string {
	if s.staleAfter <= 0 {
		return nil
	}
	var out []string
	for _, pos := range snap.Positions {
		if pos.Quantity.IsZero() {
			continue
		}
		quote, ok := snap.Quotes[pos.Symbol]
		if !ok {
			continue
		}
		if now.Sub(quote.Timestamp) > s.staleAfter {
			out = append(out, pos.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// price computes cash + Σ quantity × price. A held symbol without a usable quote is valued at its last
// known price and reported in Errors.
func price(entity string, snap schema.Snapshot, source schema.ValuationSource) Valuation {
	val := Valuation{
		Entity:    entity,
		Cash:      snap.Account.Cash,
		Positions: make(map[string]decimal.Decimal, len(snap.Positions)),
		Prices:    make(map[string]decimal.Decimal, len(snap.Positions)+len(snap.Quotes)),
		Source:    source,
		Timestamp: snap.FetchedAt,
	}
	for symbol, quote := range snap.Quotes {
		if p := quote.Price(); p.IsPositive() {
			val.Prices[symbol] = p
		}
	}
	equity := snap.Account.Cash
	for _, pos := range snap.Positions {
		val.Positions[pos.Symbol] = val.Positions[pos.Symbol].Add(pos.Quantity)
		p, ok := val.Prices[pos.Symbol]
		if !ok {
			p = pos.LastKnownPrice()
			val.Prices[pos.Symbol] = p
			val.Errors = append(val.Errors, fmt.Sprintf("missing_price:%s", pos.Symbol))
		}
		equity = equity.Add(pos.Quantity.Mul(p))
	}
	val.Equity = equity
	if val.Timestamp.IsZero() {
		val.Timestamp = snap.Account.Timestamp
	}
	return val
}
