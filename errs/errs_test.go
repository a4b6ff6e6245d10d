package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesReasonsAndFields(t *testing.T) {
	err := New(
		"risk",
		CodeRiskBlocked,
		WithMessage("batch blocked"),
		WithReasons("max_order_notional", " ", "max_symbol_count"),
		WithField("run_id", "run-1"),
		WithField("entity", "acct-7"),
		WithRemediation("submit a new run"),
		WithCause(errors.New("policy violation")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=risk") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=risk_blocked") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "reasons=max_order_notional,max_symbol_count") {
		t.Fatalf("expected reasons in error string: %s", out)
	}
	if !strings.Contains(out, `fields=entity="acct-7",run_id="run-1"`) {
		t.Fatalf("expected sorted fields in error string: %s", out)
	}
	if !strings.Contains(out, `cause="policy violation"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfAndIs(t *testing.T) {
	inner := New("bridge", CodeConnectivity, WithMessage("dial failed"))
	outer := New("valuation", CodeStaleData, WithCause(inner))
	wrapped := fmt.Errorf("evaluate: %w", outer)

	if got := CodeOf(wrapped); got != CodeStaleData {
		t.Fatalf("expected outer code, got %q", got)
	}
	if !Is(wrapped, CodeConnectivity) {
		t.Fatal("expected nested connectivity code to be found")
	}
	if Is(wrapped, CodeRiskBlocked) {
		t.Fatal("unexpected risk_blocked match")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
	if Is(nil, CodeConnectivity) {
		t.Fatal("nil error must not match")
	}
}

func TestRetryableCodes(t *testing.T) {
	retryable := []Code{CodeConnectivity, CodeStaleData, CodeUnavailable}
	for _, code := range retryable {
		if !code.Retryable() {
			t.Fatalf("expected %s to be retryable", code)
		}
	}
	terminal := []Code{CodeValidation, CodeRiskBlocked, CodeIllegalTransition, CodeOrderRejected}
	for _, code := range terminal {
		if code.Retryable() {
			t.Fatalf("expected %s to be terminal", code)
		}
	}
}

func TestNilEnvelopeString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering %q", e.Error())
	}
}
