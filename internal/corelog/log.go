// Package corelog provides the leveled logging helpers used throughout the
// storage core. It wraps a plain *log.Logger, matching the ambient logging
// style of the teacher's daemon (Printf-style lines to a configured
// writer) rather than introducing a structured-logging dependency.
package corelog

import (
	"io"
	"log"
	"os"
)

// Logger wraps *log.Logger with Info/Warn/Error helpers so call sites read
// the same way the teacher's daemon reads ("Warning: failed to save
// state: %v").
type Logger struct {
	l *log.Logger
}

// New creates a Logger writing to w with the given prefix.
func New(w io.Writer, prefix string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{l: log.New(w, prefix, log.LstdFlags)}
}

// Default is a Logger writing to stderr, used by packages that don't
// receive an explicit logger (tests, simple CLI invocations).
var Default = New(os.Stderr, "")

func (g *Logger) Info(format string, args ...any) {
	g.l.Printf("INFO  "+format, args...)
}

func (g *Logger) Warn(format string, args ...any) {
	g.l.Printf("WARN  "+format, args...)
}

func (g *Logger) Error(format string, args ...any) {
	g.l.Printf("ERROR "+format, args...)
}

func (g *Logger) Debug(format string, args ...any) {
	g.l.Printf("DEBUG "+format, args...)
}
