package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	log := slog.New(h)

	log.Info("http.request", "method", "GET", "path", "/healthz", "status", 200, "duration_ms", 3)

	out := sb.String()
	if !strings.Contains(out, "lvl=[INFO]") {
		t.Fatalf("missing level tag: %q", out)
	}
	if !strings.Contains(out, "msg=http.request") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "status=200") {
		t.Fatalf("missing status attr: %q", out)
	}
	// duration_ms is remapped to the shorter display key.
	if !strings.Contains(out, "duration=3ms") {
		t.Fatalf("duration not remapped: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but ANSI codes present: %q", out)
	}
}

func TestPrettyHandler_QuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, nil, false)
	log := slog.New(h)

	log.Info("evt", "user_agent", "Mozilla 5.0 test")

	if !strings.Contains(sb.String(), `user_agent="Mozilla 5.0 test"`) {
		t.Fatalf("value with spaces must be quoted: %q", sb.String())
	}
}

func TestPrettyHandler_GroupsFlattenToDottedKeys(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, nil, false)
	log := slog.New(h).WithGroup("db")

	log.Info("evt", "pool", "main")

	if !strings.Contains(sb.String(), "db.pool=main") {
		t.Fatalf("group keys must flatten with dots: %q", sb.String())
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error must be enabled at warn level")
	}
}
