package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "naualerts/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means local time
}

type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	id      cron.EntryID

	running atomic.Bool
	stats   *runStats
}

type runStats struct {
	mu      sync.Mutex
	runs    uint64
	skipped uint64
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Skipped  uint64
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
}

// Service triggers named jobs on cron or interval schedules. A job whose
// previous run is still in flight is skipped, never queued.
type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	entries map[string]*entry
}
