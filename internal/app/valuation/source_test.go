package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
)

type fakeReader struct {
	snap schema.Snapshot
	err  error
}

func (f *fakeReader) Snapshot(context.Context, string) (schema.Snapshot, error) {
	return f.snap, f.err
}

func snapshotAt(ts time.Time, cash, qty, last int64) schema.Snapshot {
	return schema.Snapshot{
		Account: schema.AccountSnapshot{Entity: "acct", Cash: decimal.NewFromInt(cash), Timestamp: ts},
		Positions: []schema.PositionSnapshot{
			{Symbol: "AAPL", Quantity: decimal.NewFromInt(qty), AvgCost: decimal.NewFromInt(90), Timestamp: ts},
		},
		Quotes: map[string]schema.Quote{
			"AAPL": {Symbol: "AAPL", Last: decimal.NewFromInt(last), Timestamp: ts},
		},
		FetchedAt: ts,
	}
}

func TestPrimaryValuation(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	reader := &fakeReader{snap: snapshotAt(now, 50000, 100, 500)}
	src := NewSource(reader, 30*time.Second, WithClock(func() time.Time { return now }))

	val, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, schema.ValuationPrimary, val.Source)
	require.True(t, val.Equity.Equal(decimal.NewFromInt(100000)), val.Equity.String())
	require.Empty(t, val.Errors)
	require.True(t, val.MarketValue("AAPL").Equal(decimal.NewFromInt(50000)))
}

func TestStaleFeedFallsBackToCachedSnapshot(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	now := start
	reader := &fakeReader{snap: snapshotAt(start, 50000, 100, 500)}
	src := NewSource(reader, 30*time.Second, WithClock(func() time.Time { return now }))

	_, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)

	// the feed keeps serving a quote that is now two minutes old, with a different price
	now = start.Add(2 * time.Minute)
	reader.snap = snapshotAt(start, 50000, 100, 400)

	val, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, schema.ValuationLocal, val.Source)
	require.True(t, val.Equity.Equal(decimal.NewFromInt(100000)), "cached snapshot must be used")
	require.Contains(t, val.Errors, "stale_quote:AAPL")
}

func TestStaleFeedWithoutCacheUsesStaleSnapshotLocally(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	reader := &fakeReader{snap: snapshotAt(start, 1000, 10, 100)}
	src := NewSource(reader, 30*time.Second, WithClock(func() time.Time { return start.Add(time.Hour) }))

	val, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, schema.ValuationLocal, val.Source)
	require.True(t, val.Equity.Equal(decimal.NewFromInt(2000)))
	require.Contains(t, val.Errors, "no_cached_snapshot")
}

func TestPrimaryErrorUsesCache(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	reader := &fakeReader{snap: snapshotAt(now, 1000, 10, 100)}
	src := NewSource(reader, time.Minute, WithClock(func() time.Time { return now }))
	_, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)

	reader.err = errors.New("bridge down")
	val, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, schema.ValuationLocal, val.Source)
	require.True(t, val.Equity.Equal(decimal.NewFromInt(2000)))
}

func TestPrimaryErrorWithoutCacheFails(t *testing.T) {
	src := NewSource(&fakeReader{err: errors.New("bridge down")}, time.Minute)
	_, err := src.CurrentEquity(context.Background(), "acct")
	require.True(t, errs.Is(err, errs.CodeConnectivity))
}

func TestMissingPriceUsesLastKnownPrice(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	snap := snapshotAt(now, 1000, 10, 100)
	snap.Positions = append(snap.Positions, schema.PositionSnapshot{
		Symbol:      "MSFT",
		Quantity:    decimal.NewFromInt(5),
		MarketValue: decimal.NewFromInt(1500),
	})
	src := NewSource(&fakeReader{snap: snap}, time.Minute, WithClock(func() time.Time { return now }))

	val, err := src.CurrentEquity(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, schema.ValuationPrimary, val.Source)
	// 1000 cash + 10*100 + 5*300
	require.True(t, val.Equity.Equal(decimal.NewFromInt(3500)), val.Equity.String())
	require.Equal(t, []string{"missing_price:MSFT"}, val.Errors)
}
