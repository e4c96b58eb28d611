package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v9"
	"github.com/stretchr/testify/suite"

	"naualerts/internal/alert"
	logx "naualerts/pkg/logx"
)

// storeSuite runs the same contract against every driver.
type storeSuite struct {
	suite.Suite
	open func(t *testing.T) Store
	st   Store
	ctx  context.Context
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.st = s.open(s.T())
}

func (s *storeSuite) TearDownTest() {
	s.Require().NoError(s.st.Close())
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(*testing.T) Store { return NewMemory() }})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(t *testing.T) Store {
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return st
	}})
}

func TestRedisStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "nau:", logx.Nop())
	}})
}

func (s *storeSuite) TestPing() {
	s.NoError(s.st.Ping(s.ctx))
}

func (s *storeSuite) TestMarkerStartsEmpty() {
	mk, err := s.st.GetMarker(s.ctx, "nau")
	s.Require().NoError(err)
	s.Equal(alert.Marker{Source: "nau"}, mk)
}

func (s *storeSuite) TestMarkerCompareAndSet() {
	mk, err := s.st.CompareAndSetMarker(s.ctx, "nau", 0, 5)
	s.Require().NoError(err)
	s.Equal(uint64(5), mk.LastID)
	s.Equal(uint64(1), mk.Version)
	s.False(mk.UpdatedAt.IsZero())

	got, err := s.st.GetMarker(s.ctx, "nau")
	s.Require().NoError(err)
	s.Equal(mk.LastID, got.LastID)
	s.Equal(mk.Version, got.Version)
	s.WithinDuration(mk.UpdatedAt, got.UpdatedAt, time.Millisecond)

	mk, err = s.st.CompareAndSetMarker(s.ctx, "nau", 1, 9)
	s.Require().NoError(err)
	s.Equal(uint64(2), mk.Version)

	// Another source is independent.
	other, err := s.st.GetMarker(s.ctx, "other")
	s.Require().NoError(err)
	s.Zero(other.Version)
}

func (s *storeSuite) TestMarkerStaleVersionConflicts() {
	_, err := s.st.CompareAndSetMarker(s.ctx, "nau", 0, 5)
	s.Require().NoError(err)

	_, err = s.st.CompareAndSetMarker(s.ctx, "nau", 0, 7)
	s.ErrorIs(err, ErrMarkerConflict)
	_, err = s.st.CompareAndSetMarker(s.ctx, "nau", 3, 7)
	s.ErrorIs(err, ErrMarkerConflict)

	mk, err := s.st.GetMarker(s.ctx, "nau")
	s.Require().NoError(err)
	s.Equal(uint64(5), mk.LastID)
}

func (s *storeSuite) TestMarkerConcurrentWritersOneWins() {
	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if _, err := s.st.CompareAndSetMarker(s.ctx, "race", 0, id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	s.Equal(1, wins)
}

func (s *storeSuite) TestSubscriptions() {
	added, err := s.st.Subscribe(s.ctx, alert.TopicAlerts, -100)
	s.Require().NoError(err)
	s.True(added)
	added, err = s.st.Subscribe(s.ctx, alert.TopicAlerts, -100)
	s.Require().NoError(err)
	s.False(added)
	_, err = s.st.Subscribe(s.ctx, alert.TopicAlerts, -300)
	s.Require().NoError(err)
	_, err = s.st.Subscribe(s.ctx, alert.TopicWeeks, -100)
	s.Require().NoError(err)

	ids, err := s.st.Subscribers(s.ctx, alert.TopicAlerts)
	s.Require().NoError(err)
	s.Equal([]int64{-300, -100}, ids)

	ok, err := s.st.IsSubscribed(s.ctx, alert.TopicWeeks, -100)
	s.Require().NoError(err)
	s.True(ok)

	removed, err := s.st.Unsubscribe(s.ctx, alert.TopicAlerts, -100)
	s.Require().NoError(err)
	s.True(removed)
	removed, err = s.st.Unsubscribe(s.ctx, alert.TopicAlerts, -100)
	s.Require().NoError(err)
	s.False(removed)
}

func (s *storeSuite) TestMigrateChat() {
	for _, t := range alert.Topics {
		_, err := s.st.Subscribe(s.ctx, t, -1)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.st.SetFeature(s.ctx, alert.FeatureNoDeactivationBanger, -1, true))
	s.Require().NoError(s.st.PutChatStats(s.ctx, alert.ChatStats{ChatID: -1, Title: "Group", Members: 3}))

	s.Require().NoError(s.st.MigrateChat(s.ctx, -1, -1001))

	for _, t := range alert.Topics {
		ids, err := s.st.Subscribers(s.ctx, t)
		s.Require().NoError(err)
		s.Equal([]int64{-1001}, ids, "topic %s", t)
	}
	on, err := s.st.FeatureEnabled(s.ctx, alert.FeatureNoDeactivationBanger, -1001)
	s.Require().NoError(err)
	s.True(on)

	stats, err := s.st.ChatStats(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stats, 1)
	s.Equal(int64(-1001), stats[0].ChatID)
	s.Equal("Group", stats[0].Title)
}

func (s *storeSuite) TestRemoveChat() {
	_, err := s.st.Subscribe(s.ctx, alert.TopicAlerts, 7)
	s.Require().NoError(err)
	_, err = s.st.Subscribe(s.ctx, alert.TopicWeeks, 7)
	s.Require().NoError(err)
	_, err = s.st.Subscribe(s.ctx, alert.TopicAlerts, 8)
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetFeature(s.ctx, alert.FeatureNoDeactivationBanger, 7, true))
	s.Require().NoError(s.st.PutChatStats(s.ctx, alert.ChatStats{ChatID: 7, Title: "x"}))

	s.Require().NoError(s.st.RemoveChat(s.ctx, 7))

	ids, err := s.st.Subscribers(s.ctx, alert.TopicAlerts)
	s.Require().NoError(err)
	s.Equal([]int64{8}, ids)
	ids, err = s.st.Subscribers(s.ctx, alert.TopicWeeks)
	s.Require().NoError(err)
	s.Empty(ids)
	on, err := s.st.FeatureEnabled(s.ctx, alert.FeatureNoDeactivationBanger, 7)
	s.Require().NoError(err)
	s.False(on)
	stats, err := s.st.ChatStats(s.ctx)
	s.Require().NoError(err)
	s.Empty(stats)
}

func (s *storeSuite) TestSettingsDefaultEnabled() {
	on, err := s.st.SettingEnabled(s.ctx, alert.SettingWeeks)
	s.Require().NoError(err)
	s.True(on)

	s.Require().NoError(s.st.SetSetting(s.ctx, alert.SettingWeeks, false))
	on, err = s.st.SettingEnabled(s.ctx, alert.SettingWeeks)
	s.Require().NoError(err)
	s.False(on)

	on, err = s.st.SettingEnabled(s.ctx, alert.SettingAlerts)
	s.Require().NoError(err)
	s.True(on)
}

func (s *storeSuite) TestFeatureToggle() {
	s.Require().NoError(s.st.SetFeature(s.ctx, alert.FeatureNoDeactivationBanger, 5, true))
	on, err := s.st.FeatureEnabled(s.ctx, alert.FeatureNoDeactivationBanger, 5)
	s.Require().NoError(err)
	s.True(on)
	s.Require().NoError(s.st.SetFeature(s.ctx, alert.FeatureNoDeactivationBanger, 5, false))
	on, err = s.st.FeatureEnabled(s.ctx, alert.FeatureNoDeactivationBanger, 5)
	s.Require().NoError(err)
	s.False(on)
}

func (s *storeSuite) TestWeeksInverted() {
	inv, err := s.st.WeeksInverted(s.ctx)
	s.Require().NoError(err)
	s.False(inv)
	s.Require().NoError(s.st.SetWeeksInverted(s.ctx, true))
	inv, err = s.st.WeeksInverted(s.ctx)
	s.Require().NoError(err)
	s.True(inv)
}

func (s *storeSuite) TestPendingRoundTrip() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := []alert.Alert{
		{Source: "wh", ID: 2, Status: alert.StatusActivate, Type: alert.TypeAir, RegionID: 14, CreatedAt: at},
		{Source: "wh", ID: 3, Status: alert.StatusDeactivate, Type: alert.TypeAir, RegionID: 14, CreatedAt: at.Add(time.Hour)},
	}
	s.Require().NoError(s.st.SavePending(s.ctx, "wh", in[:1]))
	s.Require().NoError(s.st.SavePending(s.ctx, "wh", in[1:]))
	s.Require().NoError(s.st.SavePending(s.ctx, "other", in[:1]))

	out, err := s.st.TakePending(s.ctx, "wh")
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	for i := range in {
		s.Equal(in[i].ID, out[i].ID)
		s.Equal(in[i].Status, out[i].Status)
		s.True(in[i].CreatedAt.Equal(out[i].CreatedAt))
	}

	out, err = s.st.TakePending(s.ctx, "wh")
	s.Require().NoError(err)
	s.Empty(out)

	out, err = s.st.TakePending(s.ctx, "other")
	s.Require().NoError(err)
	s.Len(out, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRedisKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", logx.Nop())
	defer st.Close()
	ctx := context.Background()

	if _, err := st.Subscribe(ctx, alert.TopicAlerts, -42); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CompareAndSetMarker(ctx, "nau", 0, 11); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSetting(ctx, alert.SettingAlerts, false); err != nil {
		t.Fatal(err)
	}

	if ok, _ := mr.SIsMember("subscribers:alerts", "-42"); !ok {
		t.Fatal("subscribers:alerts should contain -42")
	}
	if got := mr.HGet("marker:nau", "last_id"); got != "11" {
		t.Fatalf("marker:nau last_id = %q, want 11", got)
	}
	if got := mr.HGet("settings", "alerts"); got != "false" {
		t.Fatalf("settings alerts = %q, want false", got)
	}
}
