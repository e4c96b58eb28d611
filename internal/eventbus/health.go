package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SourceHealth is the last observed cycle outcome of a source.
type SourceHealth struct {
	Source      string    `json:"source"`
	LastOK      time.Time `json:"last_ok,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	LastID      uint64    `json:"last_id"`
	Failures    int       `json:"consecutive_failures"`
}

// Health folds cycle events into per-source health for /healthcheck.
type Health struct {
	mu      sync.RWMutex
	sources map[string]*SourceHealth
	removed int
}

func NewHealth() *Health { return &Health{sources: map[string]*SourceHealth{}} }

// Run consumes bus events until ctx is done.
func (h *Health) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			h.Observe(e)
		}
	}
}

func (h *Health) Observe(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e.Type {
	case TypeCycleDone, TypeCycleFailed:
		ce, ok := e.Data.(CycleEvent)
		if !ok {
			return
		}
		sh := h.sources[ce.Source]
		if sh == nil {
			sh = &SourceHealth{Source: ce.Source}
			h.sources[ce.Source] = sh
		}
		if e.Type == TypeCycleDone {
			sh.LastOK = e.Time
			sh.Failures = 0
			if ce.LastID > sh.LastID {
				sh.LastID = ce.LastID
			}
			return
		}
		sh.LastError = ce.Err
		sh.LastErrorAt = e.Time
		sh.Failures++
	case TypeChatRemoved:
		h.removed++
	}
}

// Sources returns a snapshot ordered by source name.
func (h *Health) Sources() []SourceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SourceHealth, 0, len(h.sources))
	for _, sh := range h.sources {
		out = append(out, *sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Healthy reports false when any source failed more than maxFailures
// cycles in a row.
func (h *Health) Healthy(maxFailures int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sh := range h.sources {
		if sh.Failures > maxFailures {
			return false
		}
	}
	return true
}

func (h *Health) RemovedChats() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.removed
}
