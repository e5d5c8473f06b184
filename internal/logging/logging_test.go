package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		warnOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, true},
		{"error", false, false},
		{"bogus", false, true}, // falls back to info
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tt.level, "text", &buf)

		logger.Debug("debug message")
		logger.Warn("warn message")

		gotDebug := strings.Contains(buf.String(), "debug message")
		gotWarn := strings.Contains(buf.String(), "warn message")

		if gotDebug != tt.debugOn {
			t.Errorf("level %q: debug logged = %v, want %v", tt.level, gotDebug, tt.debugOn)
		}
		if gotWarn != tt.warnOn {
			t.Errorf("level %q: warn logged = %v, want %v", tt.level, gotWarn, tt.warnOn)
		}
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("hello", slog.String("key", "value"))

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("JSON output missing message: %s", out)
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("JSON output missing attribute: %s", out)
	}
}

func TestJournalFormat_PriorityPrefixes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", "journal", &buf)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), buf.String())
	}

	wantPrefixes := []string{"<7>d", "<6>i", "<4>w", "<3>e"}
	for i, want := range wantPrefixes {
		if lines[i] != want {
			t.Errorf("line %d = %q, want %q", i, lines[i], want)
		}
	}
}

func TestJournalFormat_Attrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "journal", &buf)

	logger.With(slog.String("component", "relay")).Info("started", slog.Int("sessions", 3))

	got := strings.TrimSpace(buf.String())
	want := "<6>started component=relay sessions=3"
	if got != want {
		t.Errorf("journal line = %q, want %q", got, want)
	}
}

func TestJournalFormat_SingleLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "journal", &buf)

	logger.Info("one")
	logger.Info("two")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per record, got %d", len(lines))
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	// Must not panic
	logger.Info("discarded")
	logger.Error("discarded too")
}
