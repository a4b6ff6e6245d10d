package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
)

func bridgeServer(t *testing.T, flaky *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/acct-1", func(w http.ResponseWriter, r *http.Request) {
		if flaky != nil && flaky.Add(-1) >= 0 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"cash":"2500.50","equity":"12500.50","timestamp":"2026-03-02T15:00:00Z"}`))
	})
	mux.HandleFunc("GET /accounts/acct-1/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"aapl","quantity":"50","avgCost":"180","marketValue":"10000"},{"symbol":"TSLA","quantity":"0"}]`))
	})
	mux.HandleFunc("GET /quotes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("symbols") {
		case "AAPL":
			_, _ = w.Write([]byte(`[{"symbol":"AAPL","bid":"199","ask":"201","timestamp":"2026-03-02T15:00:00Z"}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	})
	return httptest.NewServer(mux)
}

func TestClientSnapshot(t *testing.T) {
	server := bridgeServer(t, nil)
	defer server.Close()
	client, err := NewClient(Config{BaseURL: server.URL + "/", Token: "secret"})
	require.NoError(t, err)

	snap, err := client.Snapshot(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", snap.Account.Entity)
	require.True(t, snap.Account.Cash.Equal(decimal.RequireFromString("2500.50")))
	require.Len(t, snap.Positions, 2)
	require.Equal(t, "AAPL", snap.Positions[0].Symbol)
	require.Contains(t, snap.Quotes, "AAPL")
	require.True(t, snap.Quotes["AAPL"].Price().Equal(decimal.NewFromInt(200)))
	require.False(t, snap.FetchedAt.IsZero())

	price, err := client.Price(context.Background(), "aapl")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(200)))

	_, err = client.Price(context.Background(), "MSFT")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestClientRetriesServerErrors(t *testing.T) {
	var flaky atomic.Int32
	flaky.Store(2)
	server := bridgeServer(t, &flaky)
	defer server.Close()
	client, err := NewClient(Config{BaseURL: server.URL, Token: "secret", MaxRetries: 3})
	require.NoError(t, err)

	_, err = client.Snapshot(context.Background(), "acct-1")
	require.NoError(t, err)
}

func TestClientDoesNotRetryNotFound(t *testing.T) {
	server := bridgeServer(t, nil)
	defer server.Close()
	client, err := NewClient(Config{BaseURL: server.URL, Token: "secret"})
	require.NoError(t, err)

	_, err = client.Snapshot(context.Background(), "nobody")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestClientUnreachable(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)

	_, err = client.Quotes(context.Background(), []string{"AAPL"})
	require.True(t, errs.Is(err, errs.CodeConnectivity))
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestStaticReader(t *testing.T) {
	static := NewStatic()
	static.SetAccount(schema.AccountSnapshot{Entity: "acct", Cash: decimal.NewFromInt(100)})
	static.SetPositions("acct", []schema.PositionSnapshot{{Symbol: "AAPL", Quantity: decimal.NewFromInt(2)}})
	static.SetQuote(schema.Quote{Symbol: "aapl", Last: decimal.NewFromInt(50)})
	ctx := context.Background()

	snap, err := static.Snapshot(ctx, "acct")
	require.NoError(t, err)
	require.Contains(t, snap.Quotes, "AAPL")

	_, err = static.Snapshot(ctx, "other")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	price, err := static.Price(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(50)))

	boom := errors.New("feed down")
	static.Fail(boom)
	_, err = static.Snapshot(ctx, "acct")
	require.ErrorIs(t, err, boom)
}
