package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Logger writes timestamped lines to a file. The bridge relies on this never
// touching stdout, which carries protocol framing.
type Logger struct {
	file   *os.File
	logger *log.Logger
	debug  bool
}

func New(path string) (*Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	debugEnv := os.Getenv("ABP_DEBUG")
	debug := debugEnv == "debug" || debugEnv == "trace"

	return &Logger{
		file:   file,
		logger: log.New(file, "", 0),
		debug:  debug,
	}, nil
}

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) log(level, msg string) {
	if l == nil || l.logger == nil {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.logger.Printf("[%s] %s: %s", timestamp, level, msg)
}

func (l *Logger) Info(msg string) {
	l.log("INFO", msg)
}

func (l *Logger) Error(msg string) {
	l.log("ERROR", msg)
}

func (l *Logger) Debug(msg string) {
	if l != nil && l.debug {
		l.log("DEBUG", msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l != nil && l.debug {
		l.Debug(fmt.Sprintf(format, args...))
	}
}
