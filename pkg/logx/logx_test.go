package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("sent", Int64("chat_id", 42), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["message"] != "sent" || m["err"] != "boom" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["chat_id"] != float64(42) {
		t.Fatalf("chat_id = %v, want 42", m["chat_id"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("Enabled(info) = true at warn level")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if ValidLevel("bogus") || !ValidLevel("") || !ValidLevel("error") {
		t.Fatal("ValidLevel mismatch")
	}
}

func TestFormatLogLine(t *testing.T) {
	t.Parallel()
	got := formatLogLine([]byte(`{"level":"error","time":"x","message":"cycle failed","source":"nau","err":"timeout"}`))
	want := "[ERROR] cycle failed\n- err=timeout\n- source=nau"
	if got != want {
		t.Fatalf("formatLogLine = %q, want %q", got, want)
	}
	if got := formatLogLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("formatLogLine(plain) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 20)
	if got := truncate(s, 12); got != strings.Repeat("a", 9)+"..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestSentryEvent(t *testing.T) {
	t.Parallel()
	ev := sentryEvent(zerolog.ErrorLevel, []byte(`{"level":"error","message":"dispatch failed","err":"boom","comp":"dispatch","chat_id":5}`))
	if ev.Message != "dispatch failed: boom" {
		t.Fatalf("message = %q", ev.Message)
	}
	if ev.Tags["comp"] != "dispatch" {
		t.Fatalf("tags = %v", ev.Tags)
	}
	if _, ok := ev.Extra["chat_id"]; !ok {
		t.Fatalf("extra missing chat_id: %v", ev.Extra)
	}
}
