package types

import (
	"context"
	"testing"
	"time"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestAdminPrincipal(t *testing.T) {
	if _, ok := GetAdminPrincipal(context.Background()); ok {
		t.Error("expected no principal on empty context")
	}
	if _, ok := GetAdminPrincipal(WithAdminPrincipal(context.Background(), "")); ok {
		t.Error("empty principal should not count as authenticated")
	}
	name, ok := GetAdminPrincipal(WithAdminPrincipal(context.Background(), "ops"))
	if !ok || name != "ops" {
		t.Errorf("GetAdminPrincipal() = (%q, %v), want (ops, true)", name, ok)
	}
}

func TestRealClockIsUTC(t *testing.T) {
	if loc := (RealClock{}).Now().Location(); loc != time.UTC {
		t.Errorf("RealClock location = %v, want UTC", loc)
	}
}

func TestEventCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	c := EventCursor{ReceivedAt: at, ID: "evt_abc"}

	got, err := DecodeEventCursor(c.Encode())
	if err != nil {
		t.Fatalf("DecodeEventCursor: %v", err)
	}
	if !got.ReceivedAt.Equal(at) || got.ID != "evt_abc" {
		t.Errorf("decoded cursor = %+v", got)
	}
}

func TestDecodeEventCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "bm8tc2VwYXJhdG9y", "bm90LWEtdGltZXxldnQ"} {
		_, err := DecodeEventCursor(token)
		if !IsCode(err, ErrCodeValidationInvalidCursor) {
			t.Errorf("DecodeEventCursor(%q) err = %v, want invalid cursor", token, err)
		}
	}
}

func TestOutcomeValid(t *testing.T) {
	for _, o := range []Outcome{OutcomePending, OutcomeProcessed, OutcomeFailed} {
		if !o.Valid() {
			t.Errorf("%q should be valid", o)
		}
	}
	if Outcome("done").Valid() {
		t.Error("unknown outcome reported valid")
	}
}

func TestVenueRoom(t *testing.T) {
	if got := VenueRoom("v1"); got != "venue:v1" {
		t.Errorf("VenueRoom() = %q", got)
	}
}

func TestRetryBackoffDelay(t *testing.T) {
	b := RetryBackoff{Base: 30 * time.Second, Max: 5 * time.Minute}
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.retryCount); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}

	fixed := RetryBackoff{Base: 30 * time.Second}
	if got := fixed.Delay(4); got != 30*time.Second {
		t.Errorf("Delay without Max = %v, want fixed base", got)
	}
	if got := (RetryBackoff{}).Delay(3); got != 0 {
		t.Errorf("zero backoff Delay = %v, want 0", got)
	}
}
