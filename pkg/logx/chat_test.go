package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	got := formatChatLine([]byte(`{"level":"warn","message":"dispatch failed","poll":"abc","time":"x","err":"boom"}` + "\n"))
	want := "[WARN] dispatch failed\n- err=boom\n- poll=abc"
	if got != want {
		t.Fatalf("formatChatLine:\n got %q\nwant %q", got, want)
	}

	raw := formatChatLine([]byte("not json"))
	if raw != "not json" {
		t.Fatalf("raw line: got %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("got %q", got)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func (r *recordingSink) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
	if len(r.lines) == 1 {
		close(r.done)
	}
	return nil
}

func TestServiceForwardsWarningsToChat(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Chat:  ChatConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	})
	t.Cleanup(func() { _ = svc.Close() })

	sink := &recordingSink{done: make(chan struct{})}
	svc.AttachChatSink(sink)

	log.Info("not forwarded")
	log.Warn("forwarded", String("k", "v"))

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink never received the warning")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 1 || !strings.HasPrefix(sink.lines[0], "[WARN] forwarded") {
		t.Fatalf("unexpected chat lines: %q", sink.lines)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(Int("n", 1)).Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}
