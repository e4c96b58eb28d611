package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "naualerts/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		kind SpecKind
		spec string
	}{
		{name: "cron", raw: "0 0 * * 1", kind: SpecCron, spec: "0 0 * * 1"},
		{name: "prefixed cron", raw: "cron:*/5 * * * *", kind: SpecCron, spec: "*/5 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, spec: "@hourly"},
		{name: "duration", raw: "30s", kind: SpecInterval, spec: "@every 30s"},
		{name: "prefixed interval", raw: "every:2m", kind: SpecInterval, spec: "@every 2m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, spec: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec() = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "-5s", "00:00", "01:75", "every:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.Add("x", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}

func TestSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.Add("slow", "1h", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	done := make(chan bool)
	go func() {
		ran, _ := s.RunNow(ctx, "slow")
		done <- ran
	}()
	<-started
	ran, err := s.RunNow(ctx, "slow")
	if err != nil || ran {
		t.Fatalf("overlapping RunNow = (%v, %v), want skipped", ran, err)
	}
	close(release)
	if !<-done {
		t.Fatal("first run should have run")
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 1 || snap[0].Skipped != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunRecordsErrorAndPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.Add("bad", "1h", time.Second, func(context.Context) error { return errors.New("boom") })
	_ = s.Add("panics", "1h", 0, func(context.Context) error { panic("oops") })

	if _, err := s.RunNow(context.Background(), "bad"); err == nil {
		t.Fatal("expected job error")
	}
	if _, err := s.RunNow(context.Background(), "panics"); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	for _, it := range s.Snapshot() {
		if it.LastErr == "" {
			t.Fatalf("%s: LastErr empty", it.Name)
		}
	}
	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown schedule error")
	}
}

func TestCronTriggers(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Europe/Kyiv"}, logx.Nop())
	var n atomic.Int32
	if err := s.Add("tick", "@every 1s", 0, func(context.Context) error {
		n.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if n.Load() == 0 {
		t.Fatal("job never triggered")
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove should report presence once")
	}
}
