// Package weeks tracks the study-week number (odd/even ISO week, with an
// admin switch to invert it) and sends the Monday notice.
package weeks

import (
	"context"
	"fmt"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/dispatch"
	"naualerts/internal/render"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
)

// DefaultSchedule fires at Monday midnight in the scheduler timezone.
const DefaultSchedule = "0 0 * * 1"

// Number returns the study week (1 or 2) for t.
func Number(t time.Time, inverted bool) int {
	_, w := t.ISOWeek()
	if inverted {
		w++
	}
	return w%2 + 1
}

// Other returns the week that follows n.
func Other(n int) int {
	if n == 1 {
		return 2
	}
	return 1
}

type Store interface {
	WeeksInverted(ctx context.Context) (bool, error)
	SetWeeksInverted(ctx context.Context, inverted bool) error
	SettingEnabled(ctx context.Context, s alert.Setting) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, topic alert.Topic, p kit.Payload) (dispatch.Report, error)
}

type Service struct {
	store  Store
	disp   Dispatcher
	render *render.Renderer
	log    logx.Logger
}

func New(store Store, disp Dispatcher, r *render.Renderer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, disp: disp, render: r, log: log.With(logx.String("comp", "weeks"))}
}

// Current returns the study week for the renderer's local now.
func (s *Service) Current(ctx context.Context) (int, error) {
	inv, err := s.store.WeeksInverted(ctx)
	if err != nil {
		return 0, fmt.Errorf("read week inversion: %w", err)
	}
	return Number(s.render.Now(), inv), nil
}

// ToggleInvert flips the inversion flag and returns its new value.
func (s *Service) ToggleInvert(ctx context.Context) (bool, error) {
	inv, err := s.store.WeeksInverted(ctx)
	if err != nil {
		return false, fmt.Errorf("read week inversion: %w", err)
	}
	if err := s.store.SetWeeksInverted(ctx, !inv); err != nil {
		return false, fmt.Errorf("write week inversion: %w", err)
	}
	s.log.Info("week numbering inverted", logx.Bool("inverted", !inv))
	return !inv, nil
}

// Status is the /week reply for now.
func (s *Service) Status(ctx context.Context) (string, error) {
	n, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	return s.render.WeekStatus(n, Other(n), s.render.Now().Weekday()), nil
}

// Broadcast sends the notice for the current week to weeks subscribers
// unless the weeks setting is off.
func (s *Service) Broadcast(ctx context.Context) (dispatch.Report, error) {
	enabled, err := s.store.SettingEnabled(ctx, alert.SettingWeeks)
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("read weeks setting: %w", err)
	}
	if !enabled {
		s.log.Info("new week, but weeks notifications are disabled by global settings")
		return dispatch.Report{}, nil
	}
	n, err := s.Current(ctx)
	if err != nil {
		return dispatch.Report{}, err
	}
	rep, err := s.disp.Dispatch(ctx, alert.TopicWeeks, s.render.WeekNotice(n))
	if err != nil {
		return rep, fmt.Errorf("dispatch week notice: %w", err)
	}
	s.log.Info("week notice sent", logx.Int("week", n), logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	return rep, nil
}
