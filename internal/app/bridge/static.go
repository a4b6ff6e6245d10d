package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
)

// Static is an in-process Reader fed by the caller. It backs paper deployments without a bridge
// and tests.
type Static struct {
	mu        sync.RWMutex
	accounts  map[string]schema.AccountSnapshot
	positions map[string][]schema.PositionSnapshot
	quotes    map[string]schema.Quote
	failure   error
	now       func() time.Time
}

// NewStatic constructs an empty reader.
func NewStatic() *Static {
	return &Static{
		accounts:  make(map[string]schema.AccountSnapshot),
		positions: make(map[string][]schema.PositionSnapshot),
		quotes:    make(map[string]schema.Quote),
		now:       time.Now,
	}
}

// SetAccount stores the account snapshot for its entity.
func (s *Static) SetAccount(account schema.AccountSnapshot) {
	s.mu.Lock()
	s.accounts[account.Entity] = account
	s.mu.Unlock()
}

// SetPositions replaces the entity's positions.
func (s *Static) SetPositions(entity string, positions []schema.PositionSnapshot) {
	s.mu.Lock()
	s.positions[entity] = append([]schema.PositionSnapshot(nil), positions...)
	s.mu.Unlock()
}

// SetQuote stores the latest quote for its symbol.
func (s *Static) SetQuote(quote schema.Quote) {
	quote.Symbol = strings.ToUpper(strings.TrimSpace(quote.Symbol))
	s.mu.Lock()
	s.quotes[quote.Symbol] = quote
	s.mu.Unlock()
}

// Fail makes every read return err until called with nil.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *Static) Snapshot(ctx context.Context, entity string) (schema.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return schema.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return schema.Snapshot{}, s.failure
	}
	account, ok := s.accounts[entity]
	if !ok {
		return schema.Snapshot{}, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("unknown entity"), errs.WithField("entity", entity))
	}
	positions := append([]schema.PositionSnapshot(nil), s.positions[entity]...)
	quotes := make(map[string]schema.Quote, len(positions))
	for _, pos := range positions {
		if quote, ok := s.quotes[pos.Symbol]; ok {
			quotes[pos.Symbol] = quote
		}
	}
	return schema.Snapshot{
		Account:   account,
		Positions: positions,
		Quotes:    quotes,
		FetchedAt: s.now().UTC(),
	}, nil
}

func (s *Static) Quotes(ctx context.Context, symbols []string) (map[string]schema.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	out := make(map[string]schema.Quote, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if quote, ok := s.quotes[symbol]; ok {
			out[symbol] = quote
		}
	}
	return out, nil
}

func (s *Static) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return priceFrom(ctx, s, symbol)
}
