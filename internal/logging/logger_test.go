package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: "DEBUG", expected: zapcore.DebugLevel},
		{input: " warning ", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		level, err := ParseLevel(testCase.input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", testCase.input, err)
		}
		if level != testCase.expected {
			t.Fatalf("expected %s for %q, got %s", testCase.expected, testCase.input, level)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected unknown level to be rejected")
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info entries to be filtered at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("expected error entries to be enabled")
	}
}
