package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithHandlerText(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "key=value") {
		t.Fatalf("got %q", out)
	}
}

func TestColorHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	h := newColorHandler(&buf, slog.LevelWarn)
	l := NewWithHandler(h)
	l.Debug("should be suppressed")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("expected debug line to be filtered out, got %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected warn line, got %q", out)
	}
}

func TestColorHandlerWrapsLineInAnsi(t *testing.T) {
	var buf bytes.Buffer
	h := newColorHandler(&buf, slog.LevelInfo)
	l := NewWithHandler(h)
	l.Error("boom")

	out := buf.String()
	if !strings.HasPrefix(out, ansiBold+ansiRed) {
		t.Fatalf("expected error line to start with bold-red escape, got %q", out)
	}
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), ansiReset) {
		t.Fatalf("expected line to end with reset escape, got %q", out)
	}
}

func TestNewWithFormatDefaultsToJSONHandler(t *testing.T) {
	fallback := NewWithFormat(slog.LevelInfo, "bogus")
	if fallback == nil {
		t.Fatal("expected a logger")
	}
	if _, ok := fallback.inner.Handler().(*slog.JSONHandler); !ok {
		t.Fatalf("expected *slog.JSONHandler, got %T", fallback.inner.Handler())
	}
}

func TestLoggerWithAttrsMerges(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	l := NewWithHandler(h).With("module", "test")
	l.Info("hi")

	if !strings.Contains(buf.String(), `"module":"test"`) {
		t.Fatalf("got %q", buf.String())
	}
}
