package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"naualerts/internal/alert"
	"naualerts/internal/eventbus"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
)

const (
	DefaultRatePerSec    = 20
	DefaultPerChatPerMin = 20
	DefaultRetryMax      = 2
	DefaultRequeueMax    = 3
	DefaultBangerChance  = 0.01
)

type Config struct {
	RatePerSec    int
	PerChatPerMin int
	RetryMax      int
	RetryBase     time.Duration
	RequeueMax    int
	// BangerChance is the probability of sending Message.Banger instead of
	// Message.Payload. Nil means DefaultBangerChance.
	BangerChance *float64
}

// Sender is the subset of transport.Adapter the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error)
}

// Registry is the subscription side of the store.
type Registry interface {
	Subscribers(ctx context.Context, topic alert.Topic) ([]int64, error)
	MigrateChat(ctx context.Context, oldID, newID int64) error
	RemoveChat(ctx context.Context, chatID int64) error
	FeatureEnabled(ctx context.Context, f alert.Feature, chatID int64) (bool, error)
}

// Message is one fan-out unit. Banger, when set, replaces Payload for a
// random share of chats that did not opt out of it.
type Message struct {
	Payload kit.Payload
	Banger  *kit.Payload
}

// Report summarises one Dispatch call.
type Report struct {
	Total    int
	Sent     int
	Failed   int
	Removed  int
	Migrated int
	Requeued int
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	sender Sender
	reg    Registry
	bus    eventbus.Bus
	log    logx.Logger

	limiter *rate.Limiter
	// chats holds per-chat buckets; they survive across calls so bursts
	// from consecutive alerts are still spread out.
	chats map[int64]*rate.Limiter

	rnd func() float64
}
