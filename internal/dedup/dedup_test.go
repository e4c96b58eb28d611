package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naualerts/internal/alert"
	"naualerts/internal/storage"
	logx "naualerts/pkg/logx"
)

func batch(ids ...uint64) []alert.Alert {
	out := make([]alert.Alert, 0, len(ids))
	for _, id := range ids {
		out = append(out, alert.Alert{Source: "nau", ID: id, Status: alert.StatusActivate})
	}
	return out
}

func idsOf(as []alert.Alert) []uint64 {
	out := make([]uint64, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}

func TestFilterAgainstMarker(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	_, err := st.CompareAndSetMarker(ctx, "nau", 0, 1)
	require.NoError(t, err)

	d := New(st, logx.Nop())
	fresh, mk, err := d.Filter(ctx, "nau", batch(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, idsOf(fresh))
	assert.Equal(t, uint64(1), mk.LastID)
	assert.Equal(t, uint64(1), mk.Version)
}

func TestFreshDropsRepeatsKeepsOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []uint64
		last uint64
		want []uint64
	}{
		{name: "empty", in: nil, last: 0, want: []uint64{}},
		{name: "all old", in: []uint64{1, 2}, last: 5, want: []uint64{}},
		{name: "dup inside batch", in: []uint64{4, 4, 5}, last: 3, want: []uint64{4, 5}},
		{name: "order kept", in: []uint64{7, 6}, last: 0, want: []uint64{7, 6}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, idsOf(Fresh(batch(tt.in...), tt.last)))
		})
	}
}

func TestEachIDEmittedOnce(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	d := New(st, logx.Nop())

	var delivered []uint64
	upstream := batch(1, 2, 3)
	for round := 0; round < 3; round++ {
		fresh, mk, err := d.Filter(ctx, "nau", upstream)
		require.NoError(t, err)
		for _, a := range fresh {
			delivered = append(delivered, a.ID)
			mk, err = d.Advance(ctx, mk, a.ID)
			require.NoError(t, err)
		}
		upstream = append(upstream, batch(uint64(4+round))...)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, delivered)
}

func TestAdvanceIgnoresOldIDs(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	d := New(st, logx.Nop())

	mk, err := d.Advance(ctx, alert.Marker{Source: "nau"}, 5)
	require.NoError(t, err)
	same, err := d.Advance(ctx, mk, 3)
	require.NoError(t, err)
	assert.Equal(t, mk, same)

	got, err := d.Marker(ctx, "nau")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.LastID)
}

func TestAdvanceConflict(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	a, b := New(st, logx.Nop()), New(st, logx.Nop())

	_, mkA, err := a.Filter(ctx, "nau", batch(1))
	require.NoError(t, err)
	_, mkB, err := b.Filter(ctx, "nau", batch(1))
	require.NoError(t, err)

	_, err = a.Advance(ctx, mkA, 1)
	require.NoError(t, err)
	_, err = b.Advance(ctx, mkB, 1)
	assert.ErrorIs(t, err, ErrConflict)
}
