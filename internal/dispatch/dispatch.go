// Package dispatch fans a payload out to every chat subscribed to a topic.
//
// Sends are paced by a global token bucket and a bucket per chat. Delivery
// errors are handled per chat so one bad chat never blocks the others:
// rate limits requeue the chat, migrations move its subscriptions,
// permanent errors drop them and transient errors are retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"naualerts/internal/alert"
	"naualerts/internal/backoff"
	"naualerts/internal/eventbus"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
)

type result int

const (
	resSent result = iota
	resFailed
	resDeferred
	resRateLimited
	resMigrated
	resRemoved
	resCancelled
)

type outcome struct {
	res       result
	after     time.Duration
	newChatID int64
	err       error
}

type deferred struct {
	chatID    int64
	payload   kit.Payload
	notBefore time.Time
	requeues  int
}

// Dispatch sends p to every subscriber of topic.
func (s *Service) Dispatch(ctx context.Context, topic alert.Topic, p kit.Payload) (Report, error) {
	return s.DispatchMessage(ctx, topic, Message{Payload: p})
}

// DispatchMessage sends m to every subscriber of topic in ascending chat id
// order. The error is non-nil only when subscribers cannot be read or ctx
// ends; per-chat failures are counted in the report.
func (s *Service) DispatchMessage(ctx context.Context, topic alert.Topic, m Message) (Report, error) {
	start := time.Now()
	chats, err := s.reg.Subscribers(ctx, topic)
	if err != nil {
		return Report{}, fmt.Errorf("load %s subscribers: %w", topic, err)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })

	cfg, lim, rnd := s.snapshot()
	retry := &backoff.Policy{Base: cfg.RetryBase, Max: 10 * cfg.RetryBase}
	rep := Report{Total: len(chats)}
	// done holds chats already served in this call, migration targets included.
	done := make(map[int64]bool, len(chats))
	var queue []deferred

	for _, chatID := range chats {
		if done[chatID] {
			continue
		}
		p := s.pick(ctx, m, chatID, *cfg.BangerChance, rnd)
		out := s.deliver(ctx, cfg, lim, retry, chatID, p, false)
		if out.res == resCancelled {
			return rep, out.err
		}
		if d, ok := s.settle(ctx, cfg, lim, retry, &rep, done, chatID, p, out, 0); ok {
			queue = append(queue, d)
		}
	}

	for len(queue) > 0 {
		sort.SliceStable(queue, func(i, j int) bool { return queue[i].notBefore.Before(queue[j].notBefore) })
		d := queue[0]
		queue = queue[1:]
		if done[d.chatID] {
			continue
		}
		if !backoff.Sleep(ctx, time.Until(d.notBefore)) {
			return rep, ctx.Err()
		}
		out := s.deliver(ctx, cfg, lim, retry, d.chatID, d.payload, true)
		if out.res == resCancelled {
			return rep, out.err
		}
		if next, ok := s.settle(ctx, cfg, lim, retry, &rep, done, d.chatID, d.payload, out, d.requeues); ok {
			queue = append(queue, next)
		}
	}

	fields := []logx.Field{
		logx.String("topic", string(topic)),
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("removed", rep.Removed),
		logx.Int("migrated", rep.Migrated),
		logx.Int("requeued", rep.Requeued),
		logx.Duration("dur", time.Since(start)),
	}
	if rep.Failed > 0 {
		s.log.Warn("dispatch finished with failures", fields...)
	} else {
		s.log.Info("dispatch finished", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertSent, Data: rep})
	return rep, nil
}

// settle books out into rep. It returns a deferred entry when the chat must
// be tried again later.
func (s *Service) settle(ctx context.Context, cfg Config, lim *rate.Limiter, retry *backoff.Policy, rep *Report, done map[int64]bool, chatID int64, p kit.Payload, out outcome, requeues int) (deferred, bool) {
	switch out.res {
	case resSent:
		rep.Sent++
		done[chatID] = true
	case resFailed:
		rep.Failed++
		s.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Err(out.err))
	case resDeferred:
		return deferred{chatID: chatID, payload: p, notBefore: time.Now().Add(out.after), requeues: requeues}, true
	case resRateLimited:
		if requeues >= cfg.RequeueMax {
			rep.Failed++
			s.log.Warn("rate limited, giving up", logx.Int64("chat_id", chatID), logx.Int("requeues", requeues), logx.Err(out.err))
			return deferred{}, false
		}
		rep.Requeued++
		s.log.Debug("rate limited, requeued", logx.Int64("chat_id", chatID), logx.Duration("after", out.after))
		return deferred{chatID: chatID, payload: p, notBefore: time.Now().Add(out.after), requeues: requeues + 1}, true
	case resMigrated:
		rep.Migrated++
		if err := s.reg.MigrateChat(ctx, chatID, out.newChatID); err != nil {
			s.log.Error("migrate chat failed", logx.Int64("chat_id", chatID), logx.Int64("new_chat_id", out.newChatID), logx.Err(err))
		}
		s.forgetChat(chatID)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeChatMigrated, Data: eventbus.ChatEvent{ChatID: chatID, NewChatID: out.newChatID, Reason: "migrated"}})
		s.log.Info("chat migrated", logx.Int64("chat_id", chatID), logx.Int64("new_chat_id", out.newChatID))

		if done[out.newChatID] {
			s.log.Debug("migrated chat already served", logx.Int64("chat_id", out.newChatID))
			break
		}
		// The new id gets one attempt per call, whatever its outcome.
		done[out.newChatID] = true
		again := s.deliver(ctx, cfg, lim, retry, out.newChatID, p, true)
		switch again.res {
		case resSent:
			rep.Sent++
		case resRemoved:
			s.remove(ctx, rep, out.newChatID, again.err)
		default:
			rep.Failed++
			s.log.Warn("send to migrated chat failed", logx.Int64("chat_id", out.newChatID), logx.Err(again.err))
		}
	case resRemoved:
		s.remove(ctx, rep, chatID, out.err)
	}
	return deferred{}, false
}

func (s *Service) remove(ctx context.Context, rep *Report, chatID int64, cause error) {
	rep.Removed++
	if err := s.reg.RemoveChat(ctx, chatID); err != nil {
		s.log.Error("remove chat failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	s.forgetChat(chatID)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeChatRemoved, Data: eventbus.ChatEvent{ChatID: chatID, Reason: errString(cause)}})
	s.log.Info("chat removed", logx.Int64("chat_id", chatID), logx.Err(cause))
}

// deliver sends p to one chat. With wait unset a chat whose own bucket is
// empty is deferred instead of stalling the pass.
func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, retry *backoff.Policy, chatID int64, p kit.Payload, wait bool) outcome {
	cl := s.chatLimiter(chatID)
	if wait {
		if err := cl.Wait(ctx); err != nil {
			return outcome{res: resCancelled, err: ctxErr(ctx, err)}
		}
	} else {
		r := cl.Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			return outcome{res: resDeferred, after: d}
		}
	}

	var last error
	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return outcome{res: resCancelled, err: ctxErr(ctx, err)}
		}
		_, err := s.sender.Send(ctx, kit.ChatTarget{ChatID: chatID}, p)
		if err == nil {
			return outcome{res: resSent}
		}
		if ctx.Err() != nil {
			return outcome{res: resCancelled, err: ctx.Err()}
		}
		last = err

		var de *kit.DeliveryError
		if errors.As(err, &de) {
			switch de.Kind {
			case kit.KindRateLimited:
				after := de.RetryAfter
				if after <= 0 {
					after = time.Second
				}
				return outcome{res: resRateLimited, after: after, err: err}
			case kit.KindMigrated:
				if de.NewChatID != 0 && de.NewChatID != chatID {
					return outcome{res: resMigrated, newChatID: de.NewChatID, err: err}
				}
				return outcome{res: resFailed, err: err}
			case kit.KindPermanent:
				return outcome{res: resRemoved, err: err}
			}
		}

		if attempt > cfg.RetryMax {
			return outcome{res: resFailed, err: last}
		}
		d := retry.Delay(attempt)
		s.log.Debug("send retry scheduled", logx.Int64("chat_id", chatID), logx.Int("attempt", attempt+1), logx.Duration("delay", d), logx.Err(err))
		if !backoff.Sleep(ctx, d) {
			return outcome{res: resCancelled, err: ctx.Err()}
		}
	}
}

func (s *Service) pick(ctx context.Context, m Message, chatID int64, chance float64, rnd func() float64) kit.Payload {
	if m.Banger == nil || chance <= 0 {
		return m.Payload
	}
	optedOut, err := s.reg.FeatureEnabled(ctx, alert.FeatureNoDeactivationBanger, chatID)
	if err != nil {
		s.log.Warn("feature lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return m.Payload
	}
	if optedOut || rnd() >= chance {
		return m.Payload
	}
	return *m.Banger
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
