// Package logging provides the structured, leveled logger used across the
// engine. Components accept a Logger and default to the no-op implementation
// so library users opt into output explicitly.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log message.
type Level int

const (
	// DebugLevel is for detailed diagnostics.
	DebugLevel Level = iota - 1
	// InfoLevel is for routine operational messages.
	InfoLevel
	// WarnLevel is for recoverable anomalies.
	WarnLevel
	// ErrorLevel is for failures.
	ErrorLevel
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field is a key-value pair attached to a log message.
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an integer field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool creates a boolean field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Stringer creates a field from any fmt.Stringer, e.g. a uuid.UUID.
func Stringer(key string, value fmt.Stringer) Field { return Field{Key: key, Value: value.String()} }

// ErrorField creates an error field.
func ErrorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logging interface.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithFields returns a derived logger that attaches fields to every
	// message.
	WithFields(fields ...Field) Logger
}

// Format selects the output encoding.
type Format string

const (
	// FormatText writes human-readable lines.
	FormatText Format = "text"
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
)

// Config configures a standard logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

type standardLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	format Format
	fields []Field
	now    func() time.Time
}

// New creates a logger with the given config. A nil Output defaults to
// stderr, an empty Format to text.
func New(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}
	return &standardLogger{
		mu:     &sync.Mutex{},
		out:    cfg.Output,
		level:  cfg.Level,
		format: cfg.Format,
		now:    time.Now,
	}
}

func (l *standardLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *standardLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *standardLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *standardLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *standardLogger) WithFields(fields ...Field) Logger {
	derived := *l
	derived.fields = append(append([]Field(nil), l.fields...), fields...)
	return &derived
}

func (l *standardLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	all := append(append([]Field(nil), l.fields...), fields...)

	var line []byte
	switch l.format {
	case FormatJSON:
		obj := map[string]interface{}{
			"ts":    l.now().UTC().Format(time.RFC3339Nano),
			"level": level.String(),
			"msg":   msg,
		}
		for _, f := range all {
			obj[f.Key] = f.Value
		}
		line, _ = json.Marshal(obj)
	default:
		var sb strings.Builder
		sb.WriteString(l.now().UTC().Format(time.RFC3339))
		sb.WriteByte(' ')
		sb.WriteString(level.String())
		sb.WriteByte(' ')
		sb.WriteString(msg)
		sort.SliceStable(all, func(i, j int) bool { return all[i].Key < all[j].Key })
		for _, f := range all {
			fmt.Fprintf(&sb, " %s=%v", f.Key, f.Value)
		}
		line = []byte(sb.String())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field)      {}
func (nopLogger) Info(string, ...Field)       {}
func (nopLogger) Warn(string, ...Field)       {}
func (nopLogger) Error(string, ...Field)      {}
func (n nopLogger) WithFields(...Field) Logger { return n }

// NewNop returns a logger that discards everything.
func NewNop() Logger { return nopLogger{} }
