package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("connection_id", "01HX").Info("registry.join",
		"channel_id", int64(7),
		"chatter_name", "alice smith",
		"duration_ms", int64(12),
		"err", errors.New("boom"),
	)

	got := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INFO  registry.join",
		"connection_id=01HX",
		"channel_id=7",
		`chatter_name="alice smith"`,
		"duration=12ms",
		"err=boom",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("line %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("unexpected ANSI codes in %q", got)
	}
}

func TestPrettyHandler_GroupsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered at warn level, got %q", buf.String())
	}

	log.WithGroup("ws").Warn("ws.read.fail", slog.Group("peer", "addr", "127.0.0.1:1"))
	got := buf.String()
	if !strings.Contains(got, "WARN") || !strings.Contains(got, "ws.peer.addr=127.0.0.1:1") {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestPrettyHandler_Color(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("router.persist.fail", "status", 503)

	got := buf.String()
	if !strings.Contains(got, ansiRed+"ERROR"+ansiReset) {
		t.Fatalf("level not colorized: %q", got)
	}
	if !strings.Contains(got, ansiRed+"503"+ansiReset) {
		t.Fatalf("status not colorized: %q", got)
	}
}
