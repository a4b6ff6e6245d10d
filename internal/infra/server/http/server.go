// Package httpserver exposes the engine's run, guard, recovery and risk operations over HTTP.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/engine"
	"github.com/coachpo/execguard/internal/app/guard"
	"github.com/coachpo/execguard/internal/app/recovery"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	idempotencyHeader = "Idempotency-Key"
	operatorHeader    = "X-Operator"

	runsPath          = "/runs"
	runPath           = "/runs/{id}"
	runExecutePath    = "/runs/{id}/execute"
	runOrdersPath     = "/runs/{id}/orders"
	guardPath         = "/guard/{entity}/{mode}"
	guardEvaluatePath = "/guard/{entity}/{mode}/evaluate"
	guardResetPath    = "/guard/{entity}/{mode}/reset"
	recoverySweepPath = "/recovery/sweep"
	recoveryListPath  = "/recovery/attempts"
	riskDefaultsPath  = "/risk/defaults"
	healthPath        = "/healthz"
)

// Engine is the set of operations served over HTTP. *engine.Service satisfies it.
type Engine interface {
	CreateRun(ctx context.Context, req engine.CreateRunRequest) (schema.Run, bool, error)
	ExecuteRun(ctx context.Context, runID string) (engine.RunView, error)
	RunStatus(ctx context.Context, runID string) (engine.RunView, error)
	ListOrders(ctx context.Context, runID string) ([]schema.Order, error)
	GuardState(ctx context.Context, entity string, mode schema.Mode) (schema.GuardState, error)
	EvaluateGuard(ctx context.Context, entity string, mode schema.Mode, policy guard.Policy) (schema.GuardState, error)
	ResetGuard(ctx context.Context, entity string, mode schema.Mode, operator string) (schema.GuardState, error)
	TriggerRecoverySweep(ctx context.Context) (recovery.SweepResult, error)
	RecoveryAttempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error)
	RiskDefaults(ctx context.Context) (schema.RiskPolicy, error)
	UpdateRiskDefaults(ctx context.Context, policy schema.RiskPolicy) (schema.RiskPolicy, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	engine Engine
	checks map[string]HealthCheck
	logger observability.Logger
}

// Option configures the handler.
type Option func(*httpServer)

// WithHealthCheck adds a named dependency probe to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *httpServer) {
		if check == nil || strings.TrimSpace(name) == "" {
			return
		}
		s.checks[strings.TrimSpace(name)] = check
	}
}

// WithLogger overrides the request error logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *httpServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHandler creates the HTTP handler for engine operations.
func NewHandler(eng Engine, opts ...Option) http.Handler {
	server := &httpServer{
		engine: eng,
		checks: make(map[string]HealthCheck),
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(runsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createRun,
	}))
	mux.Handle(runPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRun,
	}))
	mux.Handle(runExecutePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.executeRun,
	}))
	mux.Handle(runOrdersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))

	mux.Handle(guardPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getGuard,
	}))
	mux.Handle(guardEvaluatePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.evaluateGuard,
	}))
	mux.Handle(guardResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetGuard,
	}))

	mux.Handle(recoverySweepPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.sweep,
	}))
	mux.Handle(recoveryListPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listAttempts,
	}))

	mux.Handle(riskDefaultsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRiskDefaults,
		http.MethodPut: server.updateRiskDefaults,
	}))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) createRun(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req engine.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	run, created, err := s.engine.CreateRun(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"run": run, "created": created})
}

func (s *httpServer) executeRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.ExecuteRun(r.Context(), r.PathValue("id"))
	if err != nil {
		var payload any
		if view.Run.ID != "" {
			payload = view
		}
		s.writeEngineError(w, r, err, payload)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) getRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.RunStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.ListOrders(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	if orders == nil {
		orders = []schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) getGuard(w http.ResponseWriter, r *http.Request) {
	entity, mode, ok := guardTarget(w, r)
	if !ok {
		return
	}
	state, err := s.engine.GuardState(r.Context(), entity, mode)
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *httpServer) evaluateGuard(w http.ResponseWriter, r *http.Request) {
	entity, mode, ok := guardTarget(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var policy guard.Policy
	if err := decodeOptionalJSON(r, &policy); err != nil {
		writeDecodeError(w, err)
		return
	}
	state, err := s.engine.EvaluateGuard(r.Context(), entity, mode, policy)
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resetPayload struct {
	Operator string `json:"operator"`
}

func (s *httpServer) resetGuard(w http.ResponseWriter, r *http.Request) {
	entity, mode, ok := guardTarget(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var payload resetPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	operator := strings.TrimSpace(payload.Operator)
	if operator == "" {
		operator = strings.TrimSpace(r.Header.Get(operatorHeader))
	}
	if operator == "" {
		writeError(w, http.StatusBadRequest, "operator required")
		return
	}
	state, err := s.engine.ResetGuard(r.Context(), entity, mode, operator)
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *httpServer) sweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.TriggerRecoverySweep(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) listAttempts(w http.ResponseWriter, r *http.Request) {
	query := orderstore.RecoveryQuery{OrderID: strings.TrimSpace(r.URL.Query().Get("orderId"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}
	attempts, err := s.engine.RecoveryAttempts(r.Context(), query)
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	if attempts == nil {
		attempts = []schema.RecoveryAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *httpServer) getRiskDefaults(w http.ResponseWriter, r *http.Request) {
	policy, err := s.engine.RiskDefaults(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": policy})
}

func (s *httpServer) updateRiskDefaults(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var policy schema.RiskPolicy
	if err := decodeJSON(r, &policy); err != nil {
		writeDecodeError(w, err)
		return
	}
	updated, err := s.engine.UpdateRiskDefaults(r.Context(), policy)
	if err != nil {
		s.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "policy": updated})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": results})
}

func guardTarget(w http.ResponseWriter, r *http.Request) (string, schema.Mode, bool) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	if entity == "" {
		writeError(w, http.StatusBadRequest, "entity required")
		return "", "", false
	}
	mode, ok := schema.ParseMode(r.PathValue("mode"))
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be paper or live")
		return "", "", false
	}
	return entity, mode, true
}

type errorPayload struct {
	Status      string            `json:"status"`
	Error       string            `json:"error"`
	Code        errs.Code         `json:"code,omitempty"`
	Reasons     []string          `json:"reasons,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Remediation string            `json:"remediation,omitempty"`
	Retryable   bool              `json:"retryable"`
	Result      any               `json:"result,omitempty"`
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, r *http.Request, err error, result any) {
	status := statusFor(err)
	payload := errorPayload{Status: "error", Error: err.Error(), Result: result}
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope != nil {
		payload.Code = envelope.Code
		payload.Reasons = envelope.Reasons
		payload.Fields = envelope.Fields
		payload.Remediation = envelope.Remediation
		payload.Retryable = envelope.Code.Retryable()
		if envelope.Message != "" {
			payload.Error = envelope.Message
		}
	}
	if status >= http.StatusInternalServerError {
		fields := []observability.Field{
			observability.F("method", r.Method),
			observability.F("path", r.URL.Path),
			observability.F("status", status),
		}
		s.logger.Warn("request failed", append(fields, observability.ErrorFields(err)...)...)
	}
	writeJSON(w, status, payload)
}

func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeValidation, errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeRiskBlocked, errs.CodeOrderRejected:
		return http.StatusUnprocessableEntity
	case errs.CodeGuardHalted:
		return http.StatusLocked
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict, errs.CodeIllegalTransition:
		return http.StatusConflict
	case errs.CodeUnavailable, errs.CodeConnectivity, errs.CodeStaleData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Operator")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
