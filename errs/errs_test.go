package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"venue/raydium",
		CodeVenue,
		WithHTTP(502),
		WithMessage("quote rejected"),
		WithField("token_in", "SOL"),
		WithField("token_out", "USDC"),
		WithCause(errors.New("pool drained")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=venue/raydium") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=venue_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=token_in=\"SOL\",token_out=\"USDC\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"pool drained\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("pipeline", CodeInvalid, WithField("  ", "x"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be skipped, got %v", err.Metadata)
	}
}

func TestIsWalksWrappedChain(t *testing.T) {
	inner := New("venue/meteora", CodeTimeout, WithMessage("quote deadline exceeded"))
	outer := New("pipeline", CodeVenue, WithCause(inner))
	wrapped := fmt.Errorf("process order: %w", outer)

	if !Is(wrapped, CodeVenue) {
		t.Fatalf("expected venue code to match")
	}
	if !Is(wrapped, CodeTimeout) {
		t.Fatalf("expected nested timeout code to match")
	}
	if Is(wrapped, CodeIntegrity) {
		t.Fatalf("unexpected integrity match")
	}
	if Is(errors.New("plain"), CodeVenue) {
		t.Fatalf("plain errors never match a code")
	}
}

func TestReasonPrefersMessage(t *testing.T) {
	err := New("pipeline", CodeVenue, WithMessage("execute on Raydium failed"), WithCause(errors.New("rpc down")))
	if got := Reason(err); got != "execute on Raydium failed: rpc down" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Reason(errors.New("boom")); got != "boom" {
		t.Fatalf("unexpected plain reason %q", got)
	}
	if got := Reason(nil); got != "" {
		t.Fatalf("expected empty reason for nil, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if Retryable(New("pipeline", CodeIntegrity)) {
		t.Fatalf("integrity faults are permanent")
	}
	if !Retryable(New("venue", CodeTimeout)) {
		t.Fatalf("timeouts are retryable")
	}
	if !Retryable(errors.New("socket closed")) {
		t.Fatalf("unclassified errors are retryable")
	}
}
