package storage

import (
	"context"
	"errors"
	"time"

	"naualerts/internal/alert"
)

var (
	// ErrMarkerConflict means the marker version changed since it was read.
	ErrMarkerConflict = errors.New("marker version conflict")
	ErrClosed         = errors.New("store closed")
)

type Config struct {
	Driver      string
	RedisURL    string
	KeyPrefix   string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type MarkerStore interface {
	// GetMarker returns the stored marker, or a zero-version marker when
	// none exists yet.
	GetMarker(ctx context.Context, source string) (alert.Marker, error)
	// CompareAndSetMarker stores lastID if the stored version still equals
	// version and returns the marker with the bumped version.
	CompareAndSetMarker(ctx context.Context, source string, version, lastID uint64) (alert.Marker, error)
}

type SubscriptionStore interface {
	Subscribe(ctx context.Context, topic alert.Topic, chatID int64) (bool, error)
	Unsubscribe(ctx context.Context, topic alert.Topic, chatID int64) (bool, error)
	IsSubscribed(ctx context.Context, topic alert.Topic, chatID int64) (bool, error)
	// Subscribers returns chat ids in ascending order.
	Subscribers(ctx context.Context, topic alert.Topic) ([]int64, error)
	// MigrateChat replaces oldID by newID in every topic and feature set.
	MigrateChat(ctx context.Context, oldID, newID int64) error
	// RemoveChat drops the chat from every topic and feature set and deletes its stats.
	RemoveChat(ctx context.Context, chatID int64) error
}

type SettingsStore interface {
	SettingEnabled(ctx context.Context, s alert.Setting) (bool, error)
	SetSetting(ctx context.Context, s alert.Setting, enabled bool) error
	FeatureEnabled(ctx context.Context, f alert.Feature, chatID int64) (bool, error)
	SetFeature(ctx context.Context, f alert.Feature, chatID int64, enabled bool) error
	WeeksInverted(ctx context.Context) (bool, error)
	SetWeeksInverted(ctx context.Context, inverted bool) error
}

type StatsStore interface {
	PutChatStats(ctx context.Context, st alert.ChatStats) error
	// ChatStats returns all entries ordered by chat id.
	ChatStats(ctx context.Context) ([]alert.ChatStats, error)
}

// PendingStore keeps alerts that were received but not yet dispatched
// when the process stopped.
type PendingStore interface {
	SavePending(ctx context.Context, source string, as []alert.Alert) error
	// TakePending returns and clears the saved alerts in save order.
	TakePending(ctx context.Context, source string) ([]alert.Alert, error)
}

type Store interface {
	MarkerStore
	SubscriptionStore
	SettingsStore
	StatsStore
	PendingStore
	Ping(ctx context.Context) error
	Close() error
}
