package transport

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a delivery failure so the dispatcher can decide between
// retrying, requeueing and dropping the subscription.
type Kind int

const (
	// KindTransient covers network errors and 5xx responses.
	KindTransient Kind = iota
	// KindRateLimited means the platform asked us to slow down (RetryAfter).
	KindRateLimited
	// KindMigrated means the group was upgraded and now lives at NewChatID.
	KindMigrated
	// KindPermanent means the chat can never be delivered to again (blocked, kicked, deleted).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindMigrated:
		return "migrated"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type DeliveryError struct {
	Kind       Kind
	ChatID     int64
	RetryAfter time.Duration
	NewChatID  int64
	Err        error
}

func (e *DeliveryError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("deliver to %d: rate limited (retry after %s): %v", e.ChatID, e.RetryAfter, e.Err)
	case KindMigrated:
		return fmt.Sprintf("deliver to %d: chat migrated to %d", e.ChatID, e.NewChatID)
	default:
		return fmt.Sprintf("deliver to %d: %s: %v", e.ChatID, e.Kind, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// KindOf returns the delivery kind of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

func Permanent(chatID int64, err error) error {
	return &DeliveryError{Kind: KindPermanent, ChatID: chatID, Err: err}
}

func RateLimited(chatID int64, after time.Duration, err error) error {
	return &DeliveryError{Kind: KindRateLimited, ChatID: chatID, RetryAfter: after, Err: err}
}

func Migrated(chatID, newChatID int64, err error) error {
	return &DeliveryError{Kind: KindMigrated, ChatID: chatID, NewChatID: newChatID, Err: err}
}

func Transient(chatID int64, err error) error {
	return &DeliveryError{Kind: KindTransient, ChatID: chatID, Err: err}
}
