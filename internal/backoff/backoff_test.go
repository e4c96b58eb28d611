package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := &Policy{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{3, 280 * time.Millisecond, 520 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := p.Delay(tt.attempt)
			if d < tt.min || d > tt.max {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()
	p := &Policy{Base: time.Millisecond, Max: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	if err != nil || calls != 3 {
		t.Fatalf("Retry = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestRetryExhausts(t *testing.T) {
	t.Parallel()
	p := &Policy{Base: time.Millisecond, Max: time.Millisecond}
	calls, retries := 0, 0
	boom := errors.New("boom")
	err := Retry(context.Background(), p, 2, func(context.Context) error {
		calls++
		return boom
	}, func(int, time.Duration, error) { retries++ })
	if !errors.Is(err, boom) || calls != 3 || retries != 2 {
		t.Fatalf("err=%v calls=%d retries=%d, want boom/3/2", err, calls, retries)
	}
}

func TestRetryNoRetry(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), &Policy{}, 5, func(context.Context) error {
		calls++
		return NoRetry(errors.New("bad payload"))
	}, nil)
	if !IsNoRetry(err) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want no-retry after 1 call", err, calls)
	}
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Fatal("Sleep should report cancellation")
	}
}
