package domain

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassifyUpstream(t *testing.T) {
	tests := []struct {
		name      string
		ue        *UpstreamError
		kind      ErrorKind
		status    int
		retryable bool
	}{
		{"http 429", &UpstreamError{Code: 429, Message: "slow down"}, KindRateLimit, 429, true},
		{"grpc resource exhausted code", &UpstreamError{Code: 8, Message: "exhausted"}, KindRateLimit, 429, true},
		{"grpc status name", &UpstreamError{Code: 400, GRPCStatus: "RESOURCE_EXHAUSTED", Message: "x"}, KindRateLimit, 429, true},
		{"quota text heuristic", &UpstreamError{Code: 500, Message: "Quota exceeded for model"}, KindRateLimit, 429, true},
		{"invalid argument grpc", &UpstreamError{Code: 3, Message: "bad"}, KindInvalidRequest, 400, false},
		{"invalid argument http", &UpstreamError{Code: 400, Message: "bad"}, KindInvalidRequest, 400, false},
		{"unauthenticated", &UpstreamError{Code: 16, Message: "no creds"}, KindAuthentication, 401, false},
		{"permission denied", &UpstreamError{Code: 7, Message: "denied"}, KindAuthentication, 403, false},
		{"not found", &UpstreamError{Code: 404, Message: "nope"}, KindNotFound, 404, false},
		{"aborted", &UpstreamError{Code: 10, Message: "conflict"}, KindConflict, 409, true},
		{"internal", &UpstreamError{Code: 13, Message: "boom"}, KindUpstreamServer, 500, true},
		{"unavailable", &UpstreamError{Code: 14, Message: "down"}, KindUpstreamUnavailable, 503, true},
		{"unparseable body", &UpstreamError{Code: 502, Message: "<html>", Unparseable: true}, KindUpstreamResponse, 500, true},
		{"unknown code", &UpstreamError{Code: 418, Message: "teapot"}, KindUnknownUpstream, 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := Classify(tt.ue)
			if de.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", de.Kind, tt.kind)
			}
			if de.Status != tt.status {
				t.Errorf("status = %d, want %d", de.Status, tt.status)
			}
			if de.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", de.Retryable, tt.retryable)
			}
			if !errors.Is(de, de) {
				t.Error("classified error should match itself")
			}
		})
	}
}

func TestClassifyPassesThroughDispatchErrors(t *testing.T) {
	orig := InvalidRequest("no content")
	if got := Classify(orig); got != orig {
		t.Fatalf("expected pass-through, got %v", got)
	}
}

func TestClassifyWrapsUnknownErrors(t *testing.T) {
	de := Classify(errors.New("connection reset"))
	if de.Kind != KindUnknownUpstream {
		t.Fatalf("kind = %s, want %s", de.Kind, KindUnknownUpstream)
	}
	if !de.Retryable {
		t.Fatal("unknown upstream errors must be retryable")
	}
	if de.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", de.Status)
	}
}

func TestClassifyCarriesRetryAfter(t *testing.T) {
	at := time.Now().Add(30 * time.Second)
	de := Classify(&UpstreamError{Code: 429, Message: "limited", RetryAfter: &at})
	if de.RetryAfter == nil || !de.RetryAfter.Equal(at) {
		t.Fatalf("retry-after not carried: %v", de.RetryAfter)
	}
	if !de.IsRateLimit() {
		t.Fatal("expected rate limit kind")
	}
}

func TestMaxRetriesExceeded(t *testing.T) {
	last := Classify(&UpstreamError{Code: 503, Message: "down"})
	final := MaxRetriesExceeded(last)
	if final.Retryable {
		t.Fatal("terminal error must not be retryable")
	}
	if final.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", final.Status)
	}
	if !errors.Is(final, last) {
		t.Fatal("final error should wrap the last attempt")
	}
}

func TestTargetEligibleAt(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tgt := Target{IsActive: true}
	if !tgt.EligibleAt(now) {
		t.Fatal("active target with no cooldown should be eligible")
	}
	tgt.RateLimitResetAt = &future
	if tgt.EligibleAt(now) {
		t.Fatal("cooldown in the future should exclude the target")
	}
	tgt.RateLimitResetAt = &past
	if !tgt.EligibleAt(now) {
		t.Fatal("expired cooldown should not exclude the target")
	}
	tgt.IsDisabledByRateLimit = true
	if tgt.EligibleAt(now) {
		t.Fatal("quota-disabled target should not be eligible")
	}
}
