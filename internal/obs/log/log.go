// Package log provides structured, span-correlated diagnostic logging for
// the vault engine. A Logger is constructed once at process start and
// threaded explicitly into every subsystem's constructor. There is no
// package-level default; callers who want a no-op logger ask for
// Discard() explicitly.
package log

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/barqly/vault-core/internal/obs/redact"
)

// Level represents the logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses BARQLY_LOG_LEVEL-style strings.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "trace", "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Field is a key-value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field  { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, v int64) Field { return Field{Key: key, Value: v} }
func Float64(key string, v float64) Field { return Field{Key: key, Value: v} }
func Bool(key string, v bool) Field   { return Field{Key: key, Value: v} }
func Duration(key string, v time.Duration) Field {
	return Field{Key: key, Value: v.String()}
}

// Err creates an error field. The error's message passes through
// redaction at emit time, not here, so a logger constructed without a
// Registry still behaves (it just performs no secret substitution).
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logging interface threaded through the engine.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

type nullLogger struct{}

func (nullLogger) Debug(string, ...Field)    {}
func (nullLogger) Info(string, ...Field)     {}
func (nullLogger) Warn(string, ...Field)     {}
func (nullLogger) Error(string, ...Field)    {}
func (n nullLogger) WithFields(...Field) Logger { return n }

// Discard returns a Logger that drops everything. Useful for tests and for
// callers that never configured observability.
func Discard() Logger { return nullLogger{} }

// writerLogger writes redacted, structured lines to an io.Writer.
type writerLogger struct {
	mu       *sync.Mutex
	out      io.Writer
	level    Level
	fields   []Field
	redactor *redact.Registry
}

// New creates a Logger that writes to out at the given level. redactor may
// be nil, in which case no secret substitution runs (only serial-number
// shortening, which the redactor performs unconditionally elsewhere).
func New(out io.Writer, level Level, redactor *redact.Registry) Logger {
	return &writerLogger{mu: &sync.Mutex{}, out: out, level: level, redactor: redactor}
}

func (l *writerLogger) redact(s string) string {
	// Registry.Redact is nil-safe and still shortens serials without one.
	return l.redactor.Redact(s)
}

func (l *writerLogger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	fmt.Fprintf(l.out, "%s %s %s", ts, level.String(), l.redact(msg))
	for _, f := range l.fields {
		fmt.Fprintf(l.out, " %s=%v", f.Key, l.redact(fmt.Sprint(f.Value)))
	}
	for _, f := range fields {
		fmt.Fprintf(l.out, " %s=%v", f.Key, l.redact(fmt.Sprint(f.Value)))
	}
	fmt.Fprintln(l.out)
}

func (l *writerLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }
func (l *writerLogger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields...) }
func (l *writerLogger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields...) }
func (l *writerLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }

func (l *writerLogger) WithFields(fields ...Field) Logger {
	merged := make([]Field, len(l.fields)+len(fields))
	copy(merged, l.fields)
	copy(merged[len(l.fields):], fields)
	return &writerLogger{mu: l.mu, out: l.out, level: l.level, fields: merged, redactor: l.redactor}
}
