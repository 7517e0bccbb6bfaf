// Package log provides the small leveled logger injected into authtunnel
// components, so nothing configures logging at import time.
package log

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"
)

// Level controls which messages a Logger emits.
type Level int32

const (
	ErrorLevel Level = iota
	InfoLevel
	DebugLevel
)

// ParseLevel converts a --log-level flag value into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return ErrorLevel, nil
	case "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level %q (expected error|info|debug)", s)
	}
}

// Logger is the logging interface used throughout authtunnel.
type Logger interface {
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// Nop is a Logger that discards everything.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Debugf(string, ...any) {}

// StdLogger implements Logger on top of the standard log package.
type StdLogger struct {
	log   *stdlog.Logger
	level Level

	errorPfx string
	infoPfx  string
	debugPfx string
}

// New returns a StdLogger writing to w at the given level.
func New(w io.Writer, level Level) *StdLogger {
	l := &StdLogger{
		log:   stdlog.New(w, "", stdlog.Ldate|stdlog.Ltime|stdlog.Lmicroseconds|stdlog.LUTC),
		level: level,
	}
	return l.Named("")
}

// Named returns a copy of the logger with a bracketed name prefix.
func (l StdLogger) Named(name string) *StdLogger {
	if name != "" {
		name = "[" + name + "] "
	}
	l.errorPfx = name + "[ERROR] "
	l.infoPfx = name + "[INFO] "
	l.debugPfx = name + "[DEBUG] "
	return &l
}

func (l *StdLogger) Errorf(format string, args ...any) {
	if l.level >= ErrorLevel {
		l.log.Printf(l.errorPfx+format, args...)
	}
}

func (l *StdLogger) Infof(format string, args ...any) {
	if l.level >= InfoLevel {
		l.log.Printf(l.infoPfx+format, args...)
	}
}

func (l *StdLogger) Debugf(format string, args ...any) {
	if l.level >= DebugLevel {
		l.log.Printf(l.debugPfx+format, args...)
	}
}
