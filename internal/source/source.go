// Package source fetches alerts from upstream feeds.
//
// Every source answers Fetch(after) with the alerts it knows about whose id
// is greater than after. Pull sources query upstream on each call; the
// webhook source answers from alerts pushed to it since the last ack.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/storage"
	logx "naualerts/pkg/logx"
)

var ErrUnknownKind = errors.New("unknown source kind")

type Source interface {
	Name() string
	Fetch(ctx context.Context, after uint64) ([]alert.Alert, error)
}

// Lifecycle is implemented by sources that hold upstream registrations.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Config struct {
	Name     string
	Kind     string // http | webhook
	URL      string
	Token    string
	RegionID int
	// Interval overrides the poller interval for this source (0 = default).
	Interval time.Duration

	BaseURL   string
	PublicURL string
	Secret    string
	Buffer    int
}

// New builds a source from cfg. pending is only used by webhook sources.
func New(cfg Config, pending storage.PendingStore, log logx.Logger) (Source, error) {
	log = log.With(logx.String("source", cfg.Name))
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "http":
		return NewHTTP(cfg, nil, log), nil
	case "webhook":
		return NewWebhook(cfg, pending, nil, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// keep returns alerts newer than after that match region (0 = any).
func keep(as []alert.Alert, after uint64, region int) []alert.Alert {
	out := as[:0:0]
	for _, a := range as {
		if a.ID <= after {
			continue
		}
		if region > 0 && a.RegionID != region {
			continue
		}
		out = append(out, a)
	}
	return out
}
