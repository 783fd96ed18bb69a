// Package corelog is the narrow structured-logging collaborator interface
// every runtime component accepts, so it can integrate with whatever
// logging setup a host process already has rather than forcing one.
// fiberd backs it with github.com/joeycumines/logiface, writing through
// github.com/joeycumines/stumpy, instead of a hand-rolled JSON/pretty
// printer.
package corelog

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Level mirrors the severities the runtime emits at: every recovered-from
// error gets logged, and contract violations are fatal.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the collaborator interface every core component accepts.
// Implementations must tolerate concurrent use from any worker thread.
type Logger interface {
	// Log emits one structured entry with the given fields attached
	// (callers pass e.g. the offending fd and operation as fields).
	Log(level Level, msg string, fields ...Field)
	Enabled(level Level) bool
}

// Field is a single structured key/value pair.
type Field struct {
	Key string
	Val any
}

func F(key string, val any) Field { return Field{Key: key, Val: val} }

// noop is the default Logger, used when a component isn't given one.
type noop struct{}

func (noop) Log(Level, string, ...Field) {}
func (noop) Enabled(Level) bool          { return false }

// Noop returns a Logger that discards everything.
func Noop() Logger { return noop{} }

// logifaceLogger adapts a logiface.Logger[*stumpy.Event] to Logger.
type logifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// New builds a Logger backed by logiface + stumpy, writing newline-delimited
// JSON to stderr and discarding entries below minLevel.
func New(minLevel Level) Logger {
	return &logifaceLogger{l: stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(toLogifaceLevel(minLevel)),
	)}
}

func (g *logifaceLogger) Enabled(level Level) bool {
	b := g.l.Build(toLogifaceLevel(level))
	if b == nil {
		return false
	}
	b.Release()
	return true
}

func (g *logifaceLogger) Log(level Level, msg string, fields ...Field) {
	b := g.l.Build(toLogifaceLevel(level))
	if b == nil {
		return
	}
	for _, f := range fields {
		b = b.Any(f.Key, f.Val)
	}
	b.Log(msg)
}

func toLogifaceLevel(l Level) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
