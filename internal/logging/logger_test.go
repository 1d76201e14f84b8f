package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if actual := parseLevel(input); actual != expected {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, actual, expected)
		}
	}
}

func TestNewLoggerWritesToFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writestreak.log")
	logger, err := NewLogger(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	logger.Info("day closed", zap.String("user_id", "user-1"))
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(contents), `"user_id":"user-1"`) {
		t.Fatalf("expected structured entry in log file, got %s", contents)
	}
}
