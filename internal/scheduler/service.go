// Package scheduler runs the relay's periodic work (source poll cycles and
// the weekly notice) on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	logx "naualerts/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

// Apply restarts triggering when the timezone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || old == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.c.Stop()
	s.startCronLocked()
	s.log.Info("timezone changed; schedules re-registered", logx.String("tz", s.loc.String()))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) startCronLocked() {
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop halts triggering and waits for in-flight runs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("stop timed out; runs still in flight")
	}
}

// Add registers or replaces the schedule called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(ps.Spec()); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.entries[name]; old != nil && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{name: name, spec: ps.Spec(), timeout: timeout, job: job, stats: &runStats{}}
	s.entries[name] = e
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(e); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", e.spec), logx.Time("next", s.c.Entry(e.id).Next))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[name]
	if e == nil {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

func (s *Service) registerLocked(e *entry) error {
	ctx := s.runCtx
	id, err := s.c.AddFunc(e.spec, func() { s.fire(ctx, e) })
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// RunNow triggers name outside its schedule, honouring the overlap rule.
// It reports whether the run happened.
func (s *Service) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	e := s.entries[name]
	s.mu.Unlock()
	if e == nil {
		return false, fmt.Errorf("unknown schedule %q", name)
	}
	return s.run(ctx, e)
}

func (s *Service) fire(ctx context.Context, e *entry) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = s.run(ctx, e)
}

func (s *Service) run(ctx context.Context, e *entry) (ran bool, err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.stats.mu.Lock()
		e.stats.skipped++
		e.stats.mu.Unlock()
		s.log.Debug("run skipped; previous still running", logx.String("name", e.name))
		return false, nil
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer e.running.Store(false)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in scheduled job", logx.String("name", e.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		took := time.Since(start)
		e.stats.mu.Lock()
		e.stats.runs++
		e.stats.lastRun = start
		e.stats.lastDur = took
		e.stats.lastErr = ""
		if err != nil {
			e.stats.lastErr = err.Error()
		}
		e.stats.mu.Unlock()
		if err != nil {
			s.log.Warn("scheduled job failed", logx.String("name", e.name), logx.Duration("took", took), logx.Err(err))
		}
	}()
	return true, e.job(ctx)
}

// Snapshot lists schedules ordered by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	c := s.c
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(entries))
	for _, e := range entries {
		it := ScheduleInfo{Name: e.name, Spec: e.spec}
		if c != nil && e.id != 0 {
			ce := c.Entry(e.id)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		e.stats.mu.Lock()
		it.Runs, it.Skipped = e.stats.runs, e.stats.skipped
		it.LastRun, it.LastTook, it.LastErr = e.stats.lastRun, e.stats.lastDur, e.stats.lastErr
		e.stats.mu.Unlock()
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
