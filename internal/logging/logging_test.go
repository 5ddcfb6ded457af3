package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_WritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(logPath)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer logger.Close()

	logger.Info("test message")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if !strings.Contains(string(content), "test message") {
		t.Errorf("log file should contain 'test message', got: %s", content)
	}
	if !strings.Contains(string(content), "INFO") {
		t.Errorf("log file should contain INFO level, got: %s", content)
	}
}

func TestLogger_DebugGatedOnEnv(t *testing.T) {
	t.Setenv("ABP_DEBUG", "")
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(logPath)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer logger.Close()

	logger.Debug("debug message")

	content, _ := os.ReadFile(logPath)
	if strings.Contains(string(content), "debug message") {
		t.Error("debug message should not appear when debug disabled")
	}
}

func TestLogger_DebugEnabled(t *testing.T) {
	t.Setenv("ABP_DEBUG", "debug")
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(logPath)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer logger.Close()

	logger.Debugf("debug %s", "message")

	content, _ := os.ReadFile(logPath)
	if !strings.Contains(string(content), "debug message") {
		t.Errorf("debug message should appear when ABP_DEBUG=debug, got: %s", content)
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var logger *Logger
	// Must not panic; components treat the logger as optional.
	logger.Info("ignored")
	logger.Errorf("ignored %d", 1)
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on nil logger = %v, want nil", err)
	}
}
