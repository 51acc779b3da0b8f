package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandlerFormatsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("bridge.enqueue", "method", "send_xmpp_message", "priority", "high")

	out := buf.String()
	if !strings.Contains(out, "msg=bridge.enqueue") {
		t.Fatalf("missing msg in output: %q", out)
	}
	if !strings.Contains(out, "method=send_xmpp_message") {
		t.Fatalf("missing method attr in output: %q", out)
	}
	if !strings.Contains(out, "priority=high") {
		t.Fatalf("missing priority attr in output: %q", out)
	}
}

func TestPrettyHandlerColorsStateAndKind(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, true)
	log := slog.New(h)

	log.Warn("connection.transition", "connection_state", "degraded", "kind", "overloaded")

	out := buf.String()
	if !strings.Contains(out, ansiYellow+"degraded"+ansiReset) {
		t.Fatalf("expected colorized degraded state, got %q", out)
	}
	if !strings.Contains(out, ansiRed+"overloaded"+ansiReset) {
		t.Fatalf("expected colorized kind, got %q", out)
	}
}

func TestPrettyHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected error to be enabled at warn level")
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	if got := quoteIfNeeded(""); got != `""` {
		t.Fatalf("quoteIfNeeded(empty)=%q", got)
	}
	if got := quoteIfNeeded("plain"); got != "plain" {
		t.Fatalf("quoteIfNeeded(plain)=%q", got)
	}
	if got := quoteIfNeeded("has space"); got != `"has space"` {
		t.Fatalf("quoteIfNeeded(spaced)=%q", got)
	}
}
