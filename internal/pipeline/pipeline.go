// Package pipeline runs one poll cycle of a source: fetch, filter against
// the delivery marker, render, dispatch and advance the marker alert by alert.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/dedup"
	"naualerts/internal/dispatch"
	"naualerts/internal/eventbus"
	"naualerts/internal/render"
	"naualerts/internal/source"
	logx "naualerts/pkg/logx"
)

const DefaultAlertTimeout = 2 * time.Minute

type Config struct {
	// AlertTimeout bounds the dispatch of a single alert. The dispatch runs
	// detached from shutdown cancellation.
	AlertTimeout time.Duration
}

type Poller interface {
	Poll(ctx context.Context, src source.Source, after uint64) ([]alert.Alert, error)
}

type Dispatcher interface {
	DispatchMessage(ctx context.Context, topic alert.Topic, m dispatch.Message) (dispatch.Report, error)
}

type Settings interface {
	SettingEnabled(ctx context.Context, s alert.Setting) (bool, error)
}

type Result struct {
	Source    string
	Fetched   int
	Fresh     int
	Delivered int
	Muted     int
	Marker    alert.Marker
}

type Pipeline struct {
	mu  sync.Mutex
	cfg Config

	poller   Poller
	dedup    *dedup.Deduplicator
	render   *render.Renderer
	disp     Dispatcher
	settings Settings
	bus      eventbus.Bus
	log      logx.Logger

	// prev is the last alert handled per source; it feeds the alarm
	// duration on deactivation and is lost on restart.
	prev map[string]alert.Alert
	// running guards against overlapping cycles of one source.
	running map[string]bool
}

var ErrBusy = errors.New("cycle already running")

func New(cfg Config, poller Poller, dd *dedup.Deduplicator, r *render.Renderer, disp Dispatcher, settings Settings, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Pipeline{
		cfg:      cfg,
		poller:   poller,
		dedup:    dd,
		render:   r,
		disp:     disp,
		settings: settings,
		bus:      bus,
		log:      log.With(logx.String("comp", "pipeline")),
		prev:     map[string]alert.Alert{},
		running:  map[string]bool{},
	}
}

func (p *Pipeline) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pipeline) alertTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.AlertTimeout > 0 {
		return p.cfg.AlertTimeout
	}
	return DefaultAlertTimeout
}

// Previous returns the last alert handled for source.
func (p *Pipeline) Previous(source string) (alert.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.prev[source]
	return a, ok
}

func (p *Pipeline) acquire(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[name] {
		return false
	}
	p.running[name] = true
	return true
}

func (p *Pipeline) release(name string) {
	p.mu.Lock()
	delete(p.running, name)
	p.mu.Unlock()
}

// Cycle runs one poll cycle for src. The marker only moves past an alert
// after its dispatch returned, so a crash mid-batch redelivers from the
// first undelivered alert.
func (p *Pipeline) Cycle(ctx context.Context, src source.Source) (Result, error) {
	name := src.Name()
	if !p.acquire(name) {
		return Result{Source: name}, ErrBusy
	}
	defer p.release(name)

	start := time.Now()
	res, err := p.cycle(ctx, src)
	ev := eventbus.CycleEvent{
		Source:    name,
		Fetched:   res.Fetched,
		Delivered: res.Delivered,
		LastID:    res.Marker.LastID,
		Took:      time.Since(start),
	}
	if err != nil && !errors.Is(err, dedup.ErrConflict) {
		ev.Err = err.Error()
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFailed, Data: ev})
		return res, err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleDone, Data: ev})
	if res.Fresh > 0 {
		p.log.Info("cycle done",
			logx.String("source", name),
			logx.Int("fresh", res.Fresh),
			logx.Int("delivered", res.Delivered),
			logx.Int("muted", res.Muted),
			logx.Uint64("last_id", res.Marker.LastID),
			logx.Duration("took", ev.Took),
		)
	}
	return res, err
}

func (p *Pipeline) cycle(ctx context.Context, src source.Source) (Result, error) {
	name := src.Name()
	res := Result{Source: name}

	mk, err := p.dedup.Marker(ctx, name)
	if err != nil {
		return res, err
	}
	res.Marker = mk

	batch, err := p.poller.Poll(ctx, src, mk.LastID)
	if err != nil {
		return res, err
	}
	res.Fetched = len(batch)
	if len(batch) == 0 {
		return res, nil
	}

	fresh, mk, err := p.dedup.Filter(ctx, name, batch)
	if err != nil {
		return res, err
	}
	res.Fresh = len(fresh)
	res.Marker = mk

	for _, a := range fresh {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		delivered, err := p.handle(ctx, a)
		if err != nil {
			return res, err
		}
		if delivered {
			res.Delivered++
		} else {
			res.Muted++
		}
		next, err := p.dedup.Advance(ctx, mk, a.ID)
		if err != nil {
			if errors.Is(err, dedup.ErrConflict) {
				p.log.Warn("cycle stopped: marker moved concurrently", logx.String("source", name), logx.Uint64("id", a.ID))
			}
			return res, err
		}
		mk = next
		res.Marker = mk
	}
	return res, nil
}

// handle dispatches a unless alerts are globally muted. It reports whether
// the alert was sent out.
func (p *Pipeline) handle(ctx context.Context, a alert.Alert) (bool, error) {
	enabled, err := p.settings.SettingEnabled(ctx, alert.SettingAlerts)
	if err != nil {
		return false, fmt.Errorf("read alerts setting: %w", err)
	}

	p.mu.Lock()
	prev, hasPrev := p.prev[a.Source]
	p.mu.Unlock()

	if !enabled {
		p.log.Info("alerts disabled by global settings", logx.String("alert", a.String()))
		p.remember(a)
		return false, nil
	}

	var prevp *alert.Alert
	if hasPrev {
		prevp = &prev
	}
	out := p.render.Render(a, prevp)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.alertTimeout())
	defer cancel()
	rep, err := p.disp.DispatchMessage(dctx, alert.TopicAlerts, dispatch.Message{Payload: out.Payload, Banger: out.Banger})
	if err != nil {
		return false, fmt.Errorf("dispatch %s: %w", a, err)
	}
	p.remember(a)
	p.log.Info("alert dispatched",
		logx.String("alert", a.String()),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("removed", rep.Removed),
	)
	return true, nil
}

func (p *Pipeline) remember(a alert.Alert) {
	p.mu.Lock()
	p.prev[a.Source] = a
	p.mu.Unlock()
}
