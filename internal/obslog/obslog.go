// Package obslog wraps charmbracelet/log into the structured, leveled
// logger cmd/rtstation uses, with helpers that attach port-id and
// iteration fields as structured key/values rather than the teacher's
// severity-coloring text helpers.
package obslog

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is a thin facade over charmlog.Logger so callers depend on this
// package's surface, not charmbracelet/log directly.
type Logger struct {
	l *charmlog.Logger
}

// New builds a logger writing to w (typically os.Stderr) at the given
// level, with a "component" field pre-attached.
func New(w io.Writer, component string, level Level) *Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
		Prefix:          component,
	})

	return &Logger{l: l}
}

// Default builds a logger writing to os.Stderr at info level.
func Default(component string) *Logger {
	return New(os.Stderr, component, LevelInfo)
}

// Level mirrors charmlog's level constants so callers never import
// charmbracelet/log directly.
type Level int32

const (
	LevelDebug Level = Level(charmlog.DebugLevel)
	LevelInfo  Level = Level(charmlog.InfoLevel)
	LevelWarn  Level = Level(charmlog.WarnLevel)
	LevelError Level = Level(charmlog.ErrorLevel)
)

// WithPort returns a child logger with a "port" field attached.
func (l *Logger) WithPort(port int) *Logger {
	return &Logger{l: l.l.With("port", port)}
}

// WithIteration returns a child logger with an "iter" field attached.
func (l *Logger) WithIteration(iter int64) *Logger {
	return &Logger{l: l.l.With("iter", iter)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.l.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)   { l.l.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)   { l.l.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any)  { l.l.Error(msg, kv...) }

// Summary logs one observation's teardown report: packets read, dropped and
// out-of-order per port, bytes emitted per output stream — the
// user-visible summary from spec.md section 7.
func (l *Logger) Summary(packetsRead int, droppedPerPort, outOfOrderPerPort []int, bytesPerStream []int) {
	l.l.Info("observation summary",
		"packetsRead", packetsRead,
		"droppedPerPort", droppedPerPort,
		"outOfOrderPerPort", outOfOrderPerPort,
		"bytesPerStream", bytesPerStream,
	)
}
