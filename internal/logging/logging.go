// Package logging provides leveled logging on top of the standard
// library logger, with an optional daily log file per subsystem.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes timestamped, leveled lines prefixed with a component name.
type Logger struct {
	logger    *log.Logger
	level     Level
	component string
	closer    io.Closer
}

// New creates a Logger writing to w.
func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		logger:    log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// NewWithFile creates a Logger writing to stderr and to a daily log file
// <subsystem>_<YYYYMMDD>.log under logDir. The file is append-mode so
// concurrent processes can share it.
func NewWithFile(logDir, subsystem string, level Level) (*Logger, error) {
	name := fmt.Sprintf("%s_%s.log", subsystem, time.Now().UTC().Format("20060102"))
	path := filepath.Join(logDir, name)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := New(io.MultiWriter(os.Stderr, f), level, subsystem)
	l.closer = f
	return l, nil
}

// WithComponent returns a Logger sharing the same sink and level under a
// different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger, level: l.level, component: component}
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() {
	if l.closer != nil {
		_ = l.closer.Close()
	}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s %s: %s", time.Now().UTC().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
