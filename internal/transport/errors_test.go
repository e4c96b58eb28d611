package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "plain", err: base, want: KindTransient},
		{name: "permanent", err: Permanent(1, base), want: KindPermanent},
		{name: "wrapped rate limit", err: fmt.Errorf("send: %w", RateLimited(1, time.Second, base)), want: KindRateLimited},
		{name: "migrated", err: Migrated(1, 2, base), want: KindMigrated},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Fatalf("%s: KindOf = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDeliveryErrorUnwrap(t *testing.T) {
	t.Parallel()
	base := errors.New("forbidden")
	err := Permanent(7, base)
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.ChatID != 7 {
		t.Fatalf("errors.As failed: %v", err)
	}
}
