package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/engine"
	"github.com/coachpo/execguard/internal/app/guard"
	"github.com/coachpo/execguard/internal/app/recovery"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

type fakeEngine struct {
	runs      map[string]schema.Run
	createReq engine.CreateRunRequest
	execute   func(runID string) (engine.RunView, error)
	resetBy   string
	policy    guard.Policy
	query     orderstore.RecoveryQuery
	defaults  schema.RiskPolicy
	sweepErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{runs: make(map[string]schema.Run)}
}

func (f *fakeEngine) CreateRun(_ context.Context, req engine.CreateRunRequest) (schema.Run, bool, error) {
	f.createReq = req
	if req.Entity == "" {
		return schema.Run{}, false, errs.New("engine", errs.CodeValidation, errs.WithMessage("invalid run"), errs.WithReasons("entity"))
	}
	if run, ok := f.runs[req.IdempotencyKey]; ok {
		return run, false, nil
	}
	run := schema.Run{ID: "run-" + req.IdempotencyKey, Entity: req.Entity, Mode: req.Mode, IdempotencyKey: req.IdempotencyKey, Status: schema.RunCreated}
	f.runs[req.IdempotencyKey] = run
	return run, true, nil
}

func (f *fakeEngine) ExecuteRun(_ context.Context, runID string) (engine.RunView, error) {
	return f.execute(runID)
}

func (f *fakeEngine) RunStatus(_ context.Context, runID string) (engine.RunView, error) {
	for _, run := range f.runs {
		if run.ID == runID {
			return engine.RunView{Run: run, Orders: []schema.Order{}}, nil
		}
	}
	return engine.RunView{}, errs.New("runstore", errs.CodeNotFound, errs.WithMessage("run not found"))
}

func (f *fakeEngine) ListOrders(_ context.Context, _ string) ([]schema.Order, error) {
	return nil, nil
}

func (f *fakeEngine) GuardState(_ context.Context, entity string, mode schema.Mode) (schema.GuardState, error) {
	return schema.GuardState{Key: schema.GuardKey{Entity: entity, Mode: mode, Date: "2026-03-04"}, Status: schema.GuardActive}, nil
}

func (f *fakeEngine) EvaluateGuard(ctx context.Context, entity string, mode schema.Mode, policy guard.Policy) (schema.GuardState, error) {
	f.policy = policy
	return f.GuardState(ctx, entity, mode)
}

func (f *fakeEngine) ResetGuard(ctx context.Context, entity string, mode schema.Mode, operator string) (schema.GuardState, error) {
	f.resetBy = operator
	return f.GuardState(ctx, entity, mode)
}

func (f *fakeEngine) TriggerRecoverySweep(context.Context) (recovery.SweepResult, error) {
	if f.sweepErr != nil {
		return recovery.SweepResult{}, f.sweepErr
	}
	return recovery.SweepResult{Cancelled: 2, Replaced: 1}, nil
}

func (f *fakeEngine) RecoveryAttempts(_ context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error) {
	f.query = query
	return nil, nil
}

func (f *fakeEngine) RiskDefaults(context.Context) (schema.RiskPolicy, error) {
	return f.defaults, nil
}

func (f *fakeEngine) UpdateRiskDefaults(_ context.Context, policy schema.RiskPolicy) (schema.RiskPolicy, error) {
	if len(policy.Invalid) > 0 {
		return schema.RiskPolicy{}, errs.New("risk", errs.CodeValidation, errs.WithReasons(policy.Invalid...))
	}
	f.defaults = policy
	return policy, nil
}

func do(t *testing.T, handler http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateRunUsesIdempotencyHeader(t *testing.T) {
	eng := newFakeEngine()
	handler := NewHandler(eng)
	body := `{"entity":"acct-1","mode":"paper","targetWeights":{"AAPL":"0.5"}}`

	rec := do(t, handler, http.MethodPost, "/runs", body, idempotencyHeader, "rebalance-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "rebalance-1", eng.createReq.IdempotencyKey)
	require.True(t, eng.createReq.TargetWeights["AAPL"].Equal(decimal.RequireFromString("0.5")))

	rec = do(t, handler, http.MethodPost, "/runs", body, idempotencyHeader, "rebalance-1")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, false, out["created"])
	run := out["run"].(map[string]any)
	require.Equal(t, "run-rebalance-1", run["id"])
}

func TestCreateRunValidationError(t *testing.T) {
	handler := NewHandler(newFakeEngine())

	rec := do(t, handler, http.MethodPost, "/runs", `{"targetWeights":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "validation", out["code"])
	require.Equal(t, []any{"entity"}, out["reasons"])
	require.Equal(t, false, out["retryable"])

	rec = do(t, handler, http.MethodPost, "/runs", `{"entity":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRunBlockedReturnsRunView(t *testing.T) {
	eng := newFakeEngine()
	eng.execute = func(runID string) (engine.RunView, error) {
		view := engine.RunView{Run: schema.Run{ID: runID, Status: schema.RunBlocked, Reasons: []string{"max_order_notional"}}}
		return view, errs.New("engine", errs.CodeRiskBlocked,
			errs.WithMessage("run blocked by risk policy"),
			errs.WithReasons("max_order_notional"))
	}
	handler := NewHandler(eng)

	rec := do(t, handler, http.MethodPost, "/runs/run-7/execute", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "risk_blocked", out["code"])
	require.Equal(t, "run blocked by risk policy", out["error"])
	result := out["result"].(map[string]any)
	run := result["run"].(map[string]any)
	require.Equal(t, "run-7", run["id"])
	require.Equal(t, string(schema.RunBlocked), run["status"])
}

func TestExecuteRunRetryableError(t *testing.T) {
	eng := newFakeEngine()
	eng.execute = func(string) (engine.RunView, error) {
		return engine.RunView{}, errs.New("engine", errs.CodeStaleData, errs.WithMessage("no price for NVDA"))
	}
	rec := do(t, NewHandler(eng), http.MethodPost, "/runs/run-1/execute", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, true, out["retryable"])
	require.Nil(t, out["result"])
}

func TestGetRunNotFound(t *testing.T) {
	rec := do(t, NewHandler(newFakeEngine()), http.MethodGet, "/runs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGuardRoutes(t *testing.T) {
	eng := newFakeEngine()
	handler := NewHandler(eng)

	rec := do(t, handler, http.MethodGet, "/guard/acct-1/PAPER", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	key := out["key"].(map[string]any)
	require.Equal(t, "paper", key["mode"])

	rec = do(t, handler, http.MethodGet, "/guard/acct-1/demo", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPost, "/guard/acct-1/live/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, eng.policy.MaxDailyLoss)

	rec = do(t, handler, http.MethodPost, "/guard/acct-1/live/evaluate", `{"maxDailyLoss":"-0.05","maxOrderFailures":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, eng.policy.MaxDailyLoss)
	require.True(t, eng.policy.MaxDailyLoss.Equal(decimal.RequireFromString("-0.05")))
	require.Equal(t, 2, *eng.policy.MaxOrderFailures)
}

func TestResetGuardRequiresOperator(t *testing.T) {
	eng := newFakeEngine()
	handler := NewHandler(eng)

	rec := do(t, handler, http.MethodPost, "/guard/acct-1/paper/reset", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPost, "/guard/acct-1/paper/reset", "", operatorHeader, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", eng.resetBy)

	rec = do(t, handler, http.MethodPost, "/guard/acct-1/paper/reset", `{"operator":"bob"}`, operatorHeader, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bob", eng.resetBy)
}

func TestRecoveryRoutes(t *testing.T) {
	eng := newFakeEngine()
	handler := NewHandler(eng)

	rec := do(t, handler, http.MethodPost, "/recovery/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.EqualValues(t, 2, out["cancelled"])

	rec = do(t, handler, http.MethodGet, "/recovery/attempts?orderId=o-1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, orderstore.RecoveryQuery{OrderID: "o-1", Limit: 5}, eng.query)
	require.Equal(t, []any{}, decodeBody(t, rec)["attempts"])

	rec = do(t, handler, http.MethodGet, "/recovery/attempts?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	eng.sweepErr = errs.New("engine", errs.CodeUnavailable, errs.WithMessage("recovery disabled"))
	rec = do(t, handler, http.MethodPost, "/recovery/sweep", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRiskDefaultsRoutes(t *testing.T) {
	eng := newFakeEngine()
	handler := NewHandler(eng)

	rec := do(t, handler, http.MethodPut, "/risk/defaults", `{"maxOrderNotional":20000,"maxSymbolCount":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, eng.defaults.MaxOrderNotional)
	require.True(t, eng.defaults.MaxOrderNotional.Equal(decimal.NewFromInt(20000)))

	rec = do(t, handler, http.MethodGet, "/risk/defaults", "")
	require.Equal(t, http.StatusOK, rec.Code)
	policy := decodeBody(t, rec)["policy"].(map[string]any)
	require.Contains(t, policy, "maxOrderNotional")

	rec = do(t, handler, http.MethodPut, "/risk/defaults", `{"maxRunNotional":"lots"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := do(t, NewHandler(newFakeEngine()), http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHealthReportsFailingChecks(t *testing.T) {
	handler := NewHandler(newFakeEngine(),
		WithHealthCheck("postgres", func(context.Context) error { return nil }),
		WithHealthCheck("bridge", func(context.Context) error { return errors.New("dial refused") }),
	)
	rec := do(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "degraded", out["status"])
	checks := out["checks"].(map[string]any)
	require.Equal(t, "ok", checks["postgres"])
	require.Equal(t, "dial refused", checks["bridge"])
}

func TestStatusMapping(t *testing.T) {
	cases := map[errs.Code]int{
		errs.CodeValidation:        http.StatusBadRequest,
		errs.CodeInvalid:           http.StatusBadRequest,
		errs.CodeRiskBlocked:       http.StatusUnprocessableEntity,
		errs.CodeGuardHalted:       http.StatusLocked,
		errs.CodeNotFound:          http.StatusNotFound,
		errs.CodeConflict:          http.StatusConflict,
		errs.CodeIllegalTransition: http.StatusConflict,
		errs.CodeConnectivity:      http.StatusServiceUnavailable,
		errs.CodeUnavailable:       http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		require.Equal(t, want, statusFor(errs.New("test", code)), string(code))
	}
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
