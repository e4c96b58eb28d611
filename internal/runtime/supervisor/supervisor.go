// Package supervisor runs named goroutines under a shared context with
// panic recovery, optional restart with backoff and per-name run stats.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"naualerts/internal/backoff"
	logx "naualerts/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	active   atomic.Int64
	firstErr atomic.Pointer[error]

	mu    sync.Mutex
	stats map[string]*runStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every goroutine once one of them fails.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), stats: map[string]*runStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }
func (s *Supervisor) Cancel()                  { s.cancel() }

// Err is the first error reported by a supervised goroutine.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A panic or a non-cancellation error is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		err := s.runOnce(name, fn, false)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// runOnce executes fn with panic capture and returns its error. Context
// cancellation is a clean stop.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error, restart bool) (err error) {
	st := s.statsFor(name)
	started := st.begin(restart)
	defer func() {
		if r := recover(); r != nil {
			st.panicked(r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		st.end(started, err)
	}()
	s.log.Debug("goroutine started", logx.String("name", name))
	return fn(s.ctx)
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	policy          backoff.Policy
	maxRestarts     int
	stopOnCleanExit bool
}

func WithRestartBackoff(base, maxDelay time.Duration) RestartOption {
	return func(c *restartCfg) { c.policy.Base, c.policy.Max = base, maxDelay }
}

// WithMaxRestarts gives up after n restarts; 0 means never.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running until the supervisor is cancelled, restarting
// it with jittered backoff after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{policy: backoff.Policy{Base: 250 * time.Millisecond, Max: 30 * time.Second}, stopOnCleanExit: true}
	for _, o := range opts {
		o(&cfg)
	}
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		attempt := 0
		for restarts := 0; ; restarts++ {
			start := time.Now()
			err := s.runOnce(name, fn, restarts > 0)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// A long healthy run resets the backoff.
			if time.Since(start) >= 30*time.Second {
				attempt = 0
			}
			attempt++
			wait := cfg.policy.Delay(attempt)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !backoff.Sleep(s.ctx, wait) {
				return
			}
		}
	}()
}

// Stop cancels all goroutines and waits for them until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

type runStats struct {
	mu        sync.Mutex
	name      string
	active    int
	started   uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastStop  time.Time
	lastErr   string
	lastPanic string
}

func (s *Supervisor) statsFor(name string) *runStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	if st == nil {
		st = &runStats{name: name}
		s.stats[name] = st
	}
	return st
}

func (r *runStats) begin(restart bool) time.Time {
	now := time.Now()
	r.mu.Lock()
	r.active++
	r.started++
	if restart {
		r.restarts++
	}
	r.lastStart = now
	r.mu.Unlock()
	return now
}

func (r *runStats) end(_ time.Time, err error) {
	r.mu.Lock()
	r.active--
	r.lastStop = time.Now()
	if err != nil {
		r.lastErr = err.Error()
	}
	r.mu.Unlock()
}

func (r *runStats) panicked(p any) {
	r.mu.Lock()
	r.panics++
	r.lastPanic = fmt.Sprint(p)
	r.mu.Unlock()
}

type GoroutineStats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
	LastPanic string    `json:"last_panic,omitempty"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

// Snapshot is for health output; entries are ordered by name.
func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Active: s.active.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	all := make([]*runStats, 0, len(s.stats))
	for _, st := range s.stats {
		all = append(all, st)
	}
	s.mu.Unlock()
	for _, st := range all {
		st.mu.Lock()
		snap.Goroutines = append(snap.Goroutines, GoroutineStats{
			Name: st.name, Active: st.active, Started: st.started, Restarts: st.restarts, Panics: st.panics,
			LastStart: st.lastStart, LastStop: st.lastStop, LastErr: st.lastErr, LastPanic: st.lastPanic,
		})
		st.mu.Unlock()
	}
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}
