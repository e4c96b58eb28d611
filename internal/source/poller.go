package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/backoff"
	logx "naualerts/pkg/logx"
)

type PollerConfig struct {
	// Timeout bounds a single Fetch attempt (0 = no extra bound).
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Poller wraps Source.Fetch with per-attempt timeouts and bounded retries.
type Poller struct {
	mu     sync.Mutex
	cfg    PollerConfig
	policy *backoff.Policy
	log    logx.Logger
}

func NewPoller(cfg PollerConfig, log logx.Logger) *Poller {
	return &Poller{
		cfg:    cfg,
		policy: &backoff.Policy{Base: cfg.RetryBase, Max: cfg.RetryMaxDelay},
		log:    log.With(logx.String("comp", "poller")),
	}
}

// Apply swaps timeouts and retry limits for subsequent polls.
func (p *Poller) Apply(cfg PollerConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.policy = &backoff.Policy{Base: cfg.RetryBase, Max: cfg.RetryMaxDelay}
	p.mu.Unlock()
}

// Poll returns alerts of src with id > after, ordered by id. An empty
// result is not an error. The error from the last attempt is returned once
// retries are exhausted.
func (p *Poller) Poll(ctx context.Context, src Source, after uint64) ([]alert.Alert, error) {
	p.mu.Lock()
	cfg, policy := p.cfg, p.policy
	p.mu.Unlock()

	var got []alert.Alert
	err := backoff.Retry(ctx, policy, cfg.RetryMax, func(ctx context.Context) error {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		defer cancel()
		as, err := src.Fetch(actx, after)
		if err != nil {
			return err
		}
		got = as
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		p.log.Warn("fetch failed; retrying",
			logx.String("source", src.Name()),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", src.Name(), err)
	}

	out := keep(got, after, 0)
	alert.SortByID(out)
	return out, nil
}
