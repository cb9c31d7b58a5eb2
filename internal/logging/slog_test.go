package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLogger_Levels_WriteExpectedOutput(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()

	tests := []struct {
		level string
		msg   string
		key   string
		val   string
	}{
		{"DEBUG", "dbg", "a", "1"},
		{"INFO", "inf", "b", "2"},
		{"WARN", "wrn", "c", "3"},
		{"ERROR", "err", "d", "4"},
	}

	for _, tc := range tests {
		if !strings.Contains(out, "level="+tc.level) {
			t.Errorf("output does not contain level %s: %s", tc.level, out)
		}
		if !strings.Contains(out, "msg="+tc.msg) {
			t.Errorf("output does not contain msg %s: %s", tc.msg, out)
		}
		if !strings.Contains(out, tc.key+"="+tc.val) {
			t.Errorf("output does not contain attr %s=%s: %s", tc.key, tc.val, out)
		}
	}
}

func TestSlogLogger_With_AddsPersistentAttrs(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	child := log.With("module", "uploader")
	child.Info(ctx, "hello")

	if !strings.Contains(buf.String(), "module=uploader") {
		t.Errorf("child logger output missing persistent attr: %s", buf.String())
	}
}
