package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func newServer(t *testing.T, status int, response string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &call.body)
		}
		rec.mu.Lock()
		rec.calls = append(rec.calls, call)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func execute(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRunCreateSendsWeightsAndKey(t *testing.T) {
	srv, rec := newServer(t, http.StatusCreated, `{"run":{"id":"run-1"},"created":true}`)

	out, err := execute(t, srv.URL, "run", "create",
		"--entity", "acct-1", "--weight", "aapl=0.5", "--weight", "MSFT=0.30",
		"--key", "rebalance-7", "--policy", `{"maxOrderNotional":20000}`)
	require.NoError(t, err)
	require.Contains(t, out, `"id": "run-1"`)

	calls := rec.all()
	require.Len(t, calls, 1)
	call := calls[0]
	require.Equal(t, http.MethodPost, call.method)
	require.Equal(t, "/runs", call.path)
	require.Equal(t, "rebalance-7", call.header.Get("Idempotency-Key"))
	require.Equal(t, "acct-1", call.body["entity"])
	require.Equal(t, "paper", call.body["mode"])
	require.Equal(t, map[string]any{"AAPL": "0.5", "MSFT": "0.3"}, call.body["targetWeights"])
	require.Equal(t, map[string]any{"maxOrderNotional": float64(20000)}, call.body["policy"])
}

func TestRunCreateRejectsBadWeight(t *testing.T) {
	srv, rec := newServer(t, http.StatusCreated, `{}`)
	_, err := execute(t, srv.URL, "run", "create", "--entity", "acct-1", "--weight", "AAPL")
	require.Error(t, err)
	calls := rec.all()
	require.Empty(t, calls)
}

func TestRunExecuteReportsBlockedRun(t *testing.T) {
	srv, rec := newServer(t, http.StatusUnprocessableEntity,
		`{"status":"error","error":"run blocked by risk policy","code":"risk_blocked","reasons":["max_order_notional"],"result":{"run":{"id":"run-1","status":"BLOCKED"}}}`)

	out, err := execute(t, srv.URL, "run", "execute", "run-1")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "risk_blocked", apiErr.Code)
	require.Equal(t, []string{"max_order_notional"}, apiErr.Reasons)
	require.Contains(t, err.Error(), "422 (risk_blocked): run blocked by risk policy [max_order_notional]")
	require.Contains(t, out, `"status": "BLOCKED"`)
	calls := rec.all()
	require.Equal(t, "/runs/run-1/execute", calls[0].path)
}

func TestGuardCommands(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, `{"status":"active"}`)

	_, err := execute(t, srv.URL, "guard", "status", "acct-1", "live")
	require.NoError(t, err)
	_, err = execute(t, srv.URL, "guard", "evaluate", "acct-1", "live", "--max-daily-loss", "-0.05")
	require.NoError(t, err)
	_, err = execute(t, srv.URL, "guard", "reset", "acct-1", "live", "--operator", "alice")
	require.NoError(t, err)

	calls := rec.all()
	require.Len(t, calls, 3)
	require.Equal(t, "/guard/acct-1/live", calls[0].path)
	require.Equal(t, "/guard/acct-1/live/evaluate", calls[1].path)
	require.Equal(t, "-0.05", calls[1].body["maxDailyLoss"])
	require.Equal(t, "/guard/acct-1/live/reset", calls[2].path)
	require.Equal(t, "alice", calls[2].body["operator"])
}

func TestGuardResetRequiresOperator(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, `{}`)
	_, err := execute(t, srv.URL, "guard", "reset", "acct-1", "live")
	require.Error(t, err)
	calls := rec.all()
	require.Empty(t, calls)
}

func TestRecoveryAndRiskCommands(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, `{"cancelled":1}`)

	_, err := execute(t, srv.URL, "recovery", "sweep")
	require.NoError(t, err)
	_, err = execute(t, srv.URL, "recovery", "attempts", "--order", "o-1", "-n", "5")
	require.NoError(t, err)

	policyPath := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(policyPath, []byte(`{"maxSymbolCount":10}`), 0o600))
	_, err = execute(t, srv.URL, "risk", "set", policyPath)
	require.NoError(t, err)

	calls := rec.all()
	require.Len(t, calls, 3)
	require.Equal(t, http.MethodPost, calls[0].method)
	require.Equal(t, "/recovery/sweep", calls[0].path)
	require.Equal(t, "limit=5&orderId=o-1", calls[1].query)
	require.Equal(t, http.MethodPut, calls[2].method)
	require.Equal(t, float64(10), calls[2].body["maxSymbolCount"])
}
