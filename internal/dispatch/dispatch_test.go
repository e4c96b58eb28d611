package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naualerts/internal/alert"
	"naualerts/internal/eventbus"
	"naualerts/internal/storage"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
)

type sent struct {
	chatID int64
	p      kit.Payload
}

// fakeSender replays scripted errors per chat and succeeds afterwards.
type fakeSender struct {
	mu     sync.Mutex
	script map[int64][]error
	always map[int64]error
	calls  map[int64]int
	sent   []sent
}

func newFakeSender() *fakeSender {
	return &fakeSender{script: map[int64][]error{}, always: map[int64]error{}, calls: map[int64]int{}}
}

func (f *fakeSender) Send(_ context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[to.ChatID]++
	if err := f.always[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	if q := f.script[to.ChatID]; len(q) > 0 {
		f.script[to.ChatID] = q[1:]
		return kit.MessageRef{}, q[0]
	}
	f.sent = append(f.sent, sent{chatID: to.ChatID, p: p})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) delivered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.chatID)
	}
	return out
}

func (f *fakeSender) callsTo(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chatID]
}

func setup(t *testing.T, chats ...int64) (*Service, *fakeSender, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	ctx := context.Background()
	for _, id := range chats {
		_, err := st.Subscribe(ctx, alert.TopicAlerts, id)
		require.NoError(t, err)
	}
	fs := newFakeSender()
	svc := New(Config{RatePerSec: 1000, PerChatPerMin: 600, RetryMax: 2, RetryBase: time.Millisecond, RequeueMax: 2}, fs, st, nil, logx.Nop())
	return svc, fs, st
}

func TestFailureForOneChatDoesNotBlockOthers(t *testing.T) {
	svc, fs, _ := setup(t, 1, 2)
	fs.always[1] = errors.New("connection reset")

	rep, err := svc.Dispatch(context.Background(), alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, fs.delivered())
	assert.Equal(t, Report{Total: 2, Sent: 1, Failed: 1}, rep)
	assert.Equal(t, 3, fs.callsTo(1), "one send plus two retries")
}

func TestTransientErrorIsRetried(t *testing.T) {
	svc, fs, _ := setup(t, 1)
	fs.script[1] = []error{kit.Transient(1, errors.New("502"))}

	rep, err := svc.Dispatch(context.Background(), alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 2, fs.callsTo(1))
}

func TestPermanentErrorRemovesChat(t *testing.T) {
	svc, fs, st := setup(t, 1, 2)
	ctx := context.Background()
	_, err := st.Subscribe(ctx, alert.TopicWeeks, 1)
	require.NoError(t, err)
	fs.always[1] = kit.Permanent(1, errors.New("bot was kicked"))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	svc.bus = bus

	rep, err := svc.Dispatch(ctx, alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, fs.callsTo(1), "permanent errors are not retried")

	for _, topic := range alert.Topics {
		ok, err := st.IsSubscribed(ctx, topic, 1)
		require.NoError(t, err)
		assert.False(t, ok, "chat still subscribed to %s", topic)
	}
	ok, err := st.IsSubscribed(ctx, alert.TopicAlerts, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	e := <-events
	assert.Equal(t, eventbus.TypeChatRemoved, e.Type)
	assert.Equal(t, int64(1), e.Data.(eventbus.ChatEvent).ChatID)
}

func TestMigratedChatIsMovedAndResent(t *testing.T) {
	svc, fs, st := setup(t, 1)
	ctx := context.Background()
	fs.script[1] = []error{kit.Migrated(1, -1001, errors.New("group upgraded"))}

	rep, err := svc.Dispatch(ctx, alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Sent: 1, Migrated: 1}, rep)
	assert.Equal(t, []int64{-1001}, fs.delivered())

	subs, err := st.Subscribers(ctx, alert.TopicAlerts)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1001}, subs)
}

func TestMigrationIntoSubscribedChatSendsOnce(t *testing.T) {
	t.Parallel()
	svc, fs, st := setup(t, -300, -200)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fs.script[-300] = []error{kit.Migrated(-300, -200, errors.New("group upgraded"))}

	rep, err := svc.Dispatch(ctx, alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, []int64{-200}, fs.delivered())
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Migrated)
	assert.Zero(t, rep.Failed)

	subs, err := st.Subscribers(ctx, alert.TopicAlerts)
	require.NoError(t, err)
	assert.Equal(t, []int64{-200}, subs)
}

func TestRateLimitedChatIsRequeued(t *testing.T) {
	svc, fs, _ := setup(t, 1, 2)
	fs.script[1] = []error{kit.RateLimited(1, 20*time.Millisecond, errors.New("too many requests"))}

	start := time.Now()
	rep, err := svc.Dispatch(context.Background(), alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 2, Sent: 2, Requeued: 1}, rep)
	assert.Equal(t, []int64{2, 1}, fs.delivered(), "chat 2 is not held back by chat 1")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRequeueIsBounded(t *testing.T) {
	svc, fs, _ := setup(t, 1)
	fs.always[1] = kit.RateLimited(1, time.Millisecond, errors.New("too many requests"))

	rep, err := svc.Dispatch(context.Background(), alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Requeued)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 3, fs.callsTo(1))
}

func TestBangerRespectsOptOut(t *testing.T) {
	svc, fs, st := setup(t, 1, 2)
	ctx := context.Background()
	require.NoError(t, st.SetFeature(ctx, alert.FeatureNoDeactivationBanger, 2, true))
	svc.SetRand(func() float64 { return 0 })

	msg := Message{
		Payload: kit.Payload{Text: "all clear"},
		Banger:  &kit.Payload{Text: "all clear", VideoPath: "banger.mp4"},
	}
	_, err := svc.DispatchMessage(ctx, alert.TopicAlerts, msg)
	require.NoError(t, err)

	require.Len(t, fs.sent, 2)
	assert.Equal(t, "banger.mp4", fs.sent[0].p.VideoPath)
	assert.Empty(t, fs.sent[1].p.VideoPath)
}

func TestBangerChanceMiss(t *testing.T) {
	svc, fs, _ := setup(t, 1)
	svc.SetRand(func() float64 { return 0.5 })

	_, err := svc.DispatchMessage(context.Background(), alert.TopicAlerts, Message{
		Payload: kit.Payload{Text: "all clear"},
		Banger:  &kit.Payload{VideoPath: "banger.mp4"},
	})
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)
	assert.Empty(t, fs.sent[0].p.VideoPath)
}

func TestNoSubscribers(t *testing.T) {
	svc, fs, _ := setup(t)
	rep, err := svc.Dispatch(context.Background(), alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Empty(t, fs.delivered())
}

func TestCancelledContext(t *testing.T) {
	svc, _, _ := setup(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Dispatch(ctx, alert.TopicAlerts, kit.Payload{Text: "alarm"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestApplyResetsChatBuckets(t *testing.T) {
	svc, _, _ := setup(t)
	l := svc.chatLimiter(1)
	svc.Apply(Config{RatePerSec: 1000, PerChatPerMin: 30})
	assert.NotSame(t, l, svc.chatLimiter(1))
	svc.Apply(Config{RatePerSec: 5, PerChatPerMin: 30})
	cfg, lim, _ := svc.snapshot()
	assert.Equal(t, 5, cfg.RatePerSec)
	assert.InDelta(t, 5, float64(lim.Limit()), 0.001)
	assert.InDelta(t, DefaultBangerChance, *cfg.BangerChance, 1e-9)
}
