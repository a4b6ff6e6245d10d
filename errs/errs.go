// Package errs provides structured error types and helpers for execguard services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeValidation indicates malformed or missing risk inputs. Blocks locally, never retried.
	CodeValidation Code = "validation"
	// CodeRiskBlocked indicates a policy violation. The batch is rejected with its full reason list.
	CodeRiskBlocked Code = "risk_blocked"
	// CodeConnectivity indicates the broker or bridge is unreachable. Retried on the next cycle.
	CodeConnectivity Code = "connectivity"
	// CodeStaleData indicates a feed older than its freshness threshold.
	CodeStaleData Code = "stale_data"
	// CodeOrderRejected indicates a broker refusal. Terminal for that order only.
	CodeOrderRejected Code = "order_rejected"
	// CodeIllegalTransition indicates an order state change that the state machine forbids.
	CodeIllegalTransition Code = "illegal_transition"
	// CodeGuardHalted indicates the intraday guard blocks new submissions.
	CodeGuardHalted Code = "guard_halted"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Retryable reports whether errors of this code are retried automatically by the next scheduled cycle.
func (c Code) Retryable() bool {
	switch c {
	case CodeConnectivity, CodeStaleData, CodeUnavailable:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the engine.
type E struct {
	Component   string
	Code        Code
	Message     string
	Reasons     []string
	Fields      map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Reasons:     nil,
		Fields:      nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithReasons appends machine-readable reason codes (e.g. triggered risk rules).
func WithReasons(reasons ...string) Option {
	return func(e *E) {
		for _, reason := range reasons {
			trimmed := strings.TrimSpace(reason)
			if trimmed == "" {
				continue
			}
			e.Reasons = append(e.Reasons, trimmed)
		}
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Reasons) > 0 {
		parts = append(parts, "reasons="+strings.Join(e.Reasons, ","))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the code of the first envelope in the error chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether the error chain carries an envelope with the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	var e *E
	for err != nil {
		if errors.As(err, &e) && e != nil {
			if e.Code == code {
				return true
			}
			err = e.cause
			continue
		}
		return false
	}
	return false
}
