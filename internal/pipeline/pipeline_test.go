package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naualerts/internal/alert"
	"naualerts/internal/dedup"
	"naualerts/internal/dispatch"
	"naualerts/internal/eventbus"
	"naualerts/internal/render"
	"naualerts/internal/source"
	"naualerts/internal/storage"
	logx "naualerts/pkg/logx"
)

type staticSource struct {
	name  string
	batch []alert.Alert
	err   error
}

func (s *staticSource) Name() string { return s.name }
func (s *staticSource) Fetch(_ context.Context, after uint64) ([]alert.Alert, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []alert.Alert
	for _, a := range s.batch {
		if a.ID > after {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  int
	failAt int // 1-based call number that fails; 0 never
	texts  []string
	hook   func(call int)
}

func (f *fakeDispatcher) DispatchMessage(_ context.Context, _ alert.Topic, m dispatch.Message) (dispatch.Report, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if call == f.failAt {
		return dispatch.Report{}, errors.New("subscribers unavailable")
	}
	f.mu.Lock()
	f.texts = append(f.texts, m.Payload.Text)
	f.mu.Unlock()
	return dispatch.Report{Total: 1, Sent: 1}, nil
}

func alerts(ids ...uint64) []alert.Alert {
	out := make([]alert.Alert, 0, len(ids))
	for i, id := range ids {
		out = append(out, alert.Alert{
			Source:    "nau",
			ID:        id,
			Status:    alert.StatusActivate,
			Type:      alert.TypeAir,
			CreatedAt: time.Date(2024, 6, 3, 9, i, 0, 0, time.UTC),
		})
	}
	return out
}

type fixture struct {
	p     *Pipeline
	store storage.Store
	disp  *fakeDispatcher
	bus   eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	r, err := render.New(render.Config{})
	require.NoError(t, err)
	disp := &fakeDispatcher{}
	bus := eventbus.New()
	poller := source.NewPoller(source.PollerConfig{RetryMax: 0}, logx.Nop())
	p := New(Config{AlertTimeout: time.Second}, poller, dedup.New(st, logx.Nop()), r, disp, st, bus, logx.Nop())
	return &fixture{p: p, store: st, disp: disp, bus: bus}
}

func (f *fixture) marker(t *testing.T) uint64 {
	t.Helper()
	mk, err := f.store.GetMarker(context.Background(), "nau")
	require.NoError(t, err)
	return mk.LastID
}

func TestCycleDeliversOnce(t *testing.T) {
	f := newFixture(t)
	src := &staticSource{name: "nau", batch: alerts(1, 2, 3)}
	ctx := context.Background()

	res, err := f.p.Cycle(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, uint64(3), f.marker(t))

	res, err = f.p.Cycle(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 3, f.disp.calls)
}

func TestCrashMidBatchResumesWithoutGap(t *testing.T) {
	f := newFixture(t)
	src := &staticSource{name: "nau", batch: alerts(1, 2, 3)}
	ctx := context.Background()
	f.disp.failAt = 2

	res, err := f.p.Cycle(ctx, src)
	require.Error(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, uint64(1), f.marker(t), "marker must not pass the failed alert")

	res, err = f.p.Cycle(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fresh)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, uint64(3), f.marker(t))
	assert.Len(t, f.disp.texts, 3, "alerts 1, 2 and 3 each delivered once")
}

func TestMutedAlertsStillAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSetting(ctx, alert.SettingAlerts, false))

	res, err := f.p.Cycle(ctx, &staticSource{name: "nau", batch: alerts(1, 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Muted)
	assert.Zero(t, f.disp.calls)
	assert.Equal(t, uint64(2), f.marker(t))
}

func TestConcurrentMarkerMoveStopsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.disp.hook = func(call int) {
		if call == 1 {
			mk, err := f.store.GetMarker(ctx, "nau")
			require.NoError(t, err)
			_, err = f.store.CompareAndSetMarker(ctx, "nau", mk.Version, 10)
			require.NoError(t, err)
		}
	}

	_, err := f.p.Cycle(ctx, &staticSource{name: "nau", batch: alerts(1, 2, 3)})
	require.ErrorIs(t, err, dedup.ErrConflict)
	assert.Equal(t, 1, f.disp.calls)
	assert.Equal(t, uint64(10), f.marker(t))
}

func TestDeactivationCarriesDuration(t *testing.T) {
	f := newFixture(t)
	on := alert.Alert{Source: "nau", ID: 1, Status: alert.StatusActivate, Type: alert.TypeAir, CreatedAt: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	off := alert.Alert{Source: "nau", ID: 2, Status: alert.StatusDeactivate, Type: alert.TypeAir, CreatedAt: time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)}

	_, err := f.p.Cycle(context.Background(), &staticSource{name: "nau", batch: []alert.Alert{on, off}})
	require.NoError(t, err)
	require.Len(t, f.disp.texts, 2)
	assert.Contains(t, f.disp.texts[1], "0:30:00")

	prev, ok := f.p.Previous("nau")
	require.True(t, ok)
	assert.Equal(t, uint64(2), prev.ID)
}

func TestPollFailurePublishesEvent(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	_, err := f.p.Cycle(context.Background(), &staticSource{name: "nau", err: errors.New("upstream down")})
	require.Error(t, err)

	e := <-events
	assert.Equal(t, eventbus.TypeCycleFailed, e.Type)
	ce := e.Data.(eventbus.CycleEvent)
	assert.Equal(t, "nau", ce.Source)
	assert.Contains(t, ce.Err, "upstream down")
	assert.Zero(t, f.marker(t))
}

func TestOverlappingCycleIsRejected(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.p.acquire("nau"))
	_, err := f.p.Cycle(context.Background(), &staticSource{name: "nau"})
	require.ErrorIs(t, err, ErrBusy)
	f.p.release("nau")
}
