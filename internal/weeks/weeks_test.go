package weeks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naualerts/internal/alert"
	"naualerts/internal/dispatch"
	"naualerts/internal/render"
	"naualerts/internal/storage"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
)

func TestNumberParity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		day      time.Time
		inverted bool
		want     int
	}{
		// 2024-06-03 is ISO week 23.
		{name: "odd week", day: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), want: 2},
		{name: "odd week inverted", day: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), inverted: true, want: 1},
		{name: "even week", day: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), want: 1},
		{name: "sunday stays in week", day: time.Date(2024, 6, 9, 23, 0, 0, 0, time.UTC), want: 2},
		// 2021-01-03 belongs to ISO week 53 of 2020.
		{name: "iso year boundary", day: time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC), want: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Number(tt.day, tt.inverted))
		})
	}
	assert.Equal(t, 2, Other(1))
	assert.Equal(t, 1, Other(2))
}

type recordingDispatcher struct {
	topics   []alert.Topic
	payloads []kit.Payload
}

func (r *recordingDispatcher) Dispatch(_ context.Context, topic alert.Topic, p kit.Payload) (dispatch.Report, error) {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, p)
	return dispatch.Report{Total: 1, Sent: 1}, nil
}

func newService(t *testing.T) (*Service, storage.Store, *recordingDispatcher) {
	t.Helper()
	r, err := render.New(render.Config{})
	require.NoError(t, err)
	r.SetClock(func() time.Time { return time.Date(2024, 6, 3, 0, 0, 5, 0, time.UTC) })
	st := storage.NewMemory()
	d := &recordingDispatcher{}
	return New(st, d, r, logx.Nop()), st, d
}

func TestToggleInvertChangesCurrent(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	n, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	inv, err := s.ToggleInvert(ctx)
	require.NoError(t, err)
	assert.True(t, inv)

	n, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status, "1-й тиждень")
}

func TestBroadcastHonoursSetting(t *testing.T) {
	s, st, d := newService(t)
	ctx := context.Background()

	rep, err := s.Broadcast(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, d.topics, 1)
	assert.Equal(t, alert.TopicWeeks, d.topics[0])
	assert.Contains(t, d.payloads[0].Text, "2-й тиждень")

	require.NoError(t, st.SetSetting(ctx, alert.SettingWeeks, false))
	rep, err = s.Broadcast(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Total)
	assert.Len(t, d.topics, 1)
}
