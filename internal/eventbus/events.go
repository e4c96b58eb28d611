package eventbus

import "time"

const (
	TypeCycleDone    = "cycle.done"
	TypeCycleFailed  = "cycle.failed"
	TypeAlertSent    = "alert.dispatched"
	TypeChatRemoved  = "chat.removed"
	TypeChatMigrated = "chat.migrated"
	TypeWeekSent     = "week.dispatched"
)

// CycleEvent is published after every poll cycle of a source.
type CycleEvent struct {
	Source    string
	Fetched   int
	Delivered int
	LastID    uint64
	Took      time.Duration
	Err       string
}

// ChatEvent describes a subscription change made by the dispatcher.
type ChatEvent struct {
	ChatID    int64
	NewChatID int64
	Reason    string
}
