// Package backoff computes jittered exponential retry delays shared by the
// poller and the dispatcher.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase = 500 * time.Millisecond
	DefaultMax  = 10 * time.Second
)

// Policy doubles Base per attempt up to Max and applies 0.7..1.3 jitter.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func (p *Policy) bounds() (time.Duration, time.Duration) {
	base, maxD := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if maxD <= 0 {
		maxD = DefaultMax
	}
	if base > maxD {
		base = maxD
	}
	return base, maxD
}

// Delay returns the wait before retry number attempt (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	base, maxD := p.bounds()
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * p.jitter())
	return min(max(d, 0), maxD)
}

func (p *Policy) jitter() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return 0.7 + p.rng.Float64()*0.6
}

// Sleep waits for d or until ctx is done. It reports whether d elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NoRetry marks an error as not worth retrying (bad payload, 4xx).
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Retry runs fn up to retries+1 times, sleeping per p between failures.
// onRetry, if set, sees each failed attempt before the wait.
func Retry(ctx context.Context, p *Policy, retries int, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	var last error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if IsNoRetry(err) || attempt > retries || ctx.Err() != nil {
			return last
		}
		d := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, d, err)
		}
		if !Sleep(ctx, d) {
			return errors.Join(last, ctx.Err())
		}
	}
}
