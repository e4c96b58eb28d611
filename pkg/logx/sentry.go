package logx

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// sentrySink reports error-level lines as Sentry events.
type sentrySink struct {
	mu  sync.Mutex
	dsn string
	on  bool
}

func (s *sentrySink) apply(cfg SentryConfig) error {
	dsn := strings.TrimSpace(cfg.DSN)
	s.mu.Lock()
	defer s.mu.Unlock()
	if dsn == s.dsn {
		return nil
	}
	s.dsn = dsn
	s.on = false
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		TracesSampleRate: 0.01,
	})
	if err != nil {
		return err
	}
	s.on = true
	return nil
}

func (s *sentrySink) enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *sentrySink) flush() {
	if s.enabled() {
		sentry.Flush(5 * time.Second)
	}
}

func (s *sentrySink) Write(p []byte) (int, error) { return len(p), nil }

func (s *sentrySink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.ErrorLevel || !s.enabled() {
		return len(p), nil
	}
	sentry.CaptureEvent(sentryEvent(level, p))
	return len(p), nil
}

func sentryEvent(level zerolog.Level, p []byte) *sentry.Event {
	ev := sentry.NewEvent()
	ev.Level = sentry.LevelError
	if level >= zerolog.FatalLevel {
		ev.Level = sentry.LevelFatal
	}

	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		ev.Message = strings.TrimSpace(string(p))
		return ev
	}
	ev.Message, _ = m[zerolog.MessageFieldName].(string)
	if errText, ok := m[zerolog.ErrorFieldName].(string); ok && errText != "" {
		ev.Message += ": " + errText
	}
	if comp, ok := m["comp"].(string); ok {
		ev.Tags = map[string]string{"comp": comp}
	}
	ev.Extra = make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName:
			continue
		}
		ev.Extra[k] = v
	}
	return ev
}
