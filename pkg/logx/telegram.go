package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"naualerts/internal/transport"
)

const telegramMaxText = 3500

type telegramItem struct {
	to   transport.ChatTarget
	text string
}

// telegramSink forwards log lines to an operator chat. Lines are dropped
// when the queue is full, the limiter is exhausted or no sender is attached.
type telegramSink struct {
	mu       sync.Mutex
	sender   Sender
	target   transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan telegramItem
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink() *telegramSink {
	return &telegramSink{
		queue:    make(chan telegramItem, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) setSender(s Sender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	t.mu.Lock()
	t.target = transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			t.mu.Lock()
			sender := t.sender
			t.mu.Unlock()
			if sender == nil {
				continue
			}
			_, _ = sender.Send(ctx, it.to, transport.Payload{
				Text:    it.text,
				Options: &transport.SendOptions{DisablePreview: true},
			})
		}
	}
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, lim, minLevel, hasSender := t.target, t.limiter, t.minLevel, t.sender != nil
	t.mu.Unlock()

	if to.ChatID == 0 || !hasSender || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := formatLogLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramItem{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// formatLogLine turns a zerolog JSON line into "[LEVEL] msg" followed by
// one "- key=value" line per field, sorted by key.
func formatLogLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramMaxText)
	}
	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), telegramMaxText)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
