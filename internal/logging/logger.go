package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with key/value convenience methods:
//
//	logger.Info("Node registered", "node_id", id, "level", level.Key())
type Logger struct {
	zl zerolog.Logger
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewDevelopment())
}

// NewProduction creates a JSON logger at info level on stdout
func NewProduction() *Logger {
	return NewWithWriter(os.Stdout, zerolog.InfoLevel)
}

// NewDevelopment creates a console logger at debug level on stdout
func NewDevelopment() *Logger {
	return NewWithWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, zerolog.DebugLevel)
}

// NewWithWriter creates a logger writing to w at the given level
func NewWithWriter(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// SetGlobal replaces the process-wide logger
func SetGlobal(logger *Logger) {
	if logger != nil {
		global.Store(logger)
	}
}

// Global returns the process-wide logger
func Global() *Logger {
	return global.Load()
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, fields ...interface{}) {
	write(l.zl.Debug(), msg, fields)
}

// Info logs at info level
func (l *Logger) Info(msg string, fields ...interface{}) {
	write(l.zl.Info(), msg, fields)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, fields ...interface{}) {
	write(l.zl.Warn(), msg, fields)
}

// Error logs at error level
func (l *Logger) Error(msg string, fields ...interface{}) {
	write(l.zl.Error(), msg, fields)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(msg string, fields ...interface{}) {
	write(l.zl.Fatal(), msg, fields)
}

// With returns a child logger carrying the given key/value pairs on every entry
func (l *Logger) With(fields ...interface{}) *Logger {
	zc := l.zl.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key := fieldKey(fields[i])
		if err, ok := fields[i+1].(error); ok {
			zc = zc.Str(key, err.Error())
			continue
		}
		zc = zc.Interface(key, fields[i+1])
	}
	return &Logger{zl: zc.Logger()}
}

// WithContext returns a logger enriched with the request fields found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// Zerolog exposes the underlying zerolog logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Sync is a no-op; zerolog writes through
func (l *Logger) Sync() error {
	return nil
}

// write appends key/value pairs to e; error values are rendered with Error()
func write(e *zerolog.Event, msg string, fields []interface{}) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fieldKey(fields[i])
		switch v := fields[i+1].(type) {
		case error:
			e.Str(key, v.Error())
		case string:
			e.Str(key, v)
		case int:
			e.Int(key, v)
		case bool:
			e.Bool(key, v)
		case time.Duration:
			e.Dur(key, v)
		default:
			e.Interface(key, v)
		}
	}
	e.Msg(msg)
}

func fieldKey(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

// Debug logs a debug message using the global logger
func Debug(msg string, fields ...interface{}) {
	Global().Debug(msg, fields...)
}

// Info logs an info message using the global logger
func Info(msg string, fields ...interface{}) {
	Global().Info(msg, fields...)
}

// Warn logs a warning using the global logger
func Warn(msg string, fields ...interface{}) {
	Global().Warn(msg, fields...)
}

// Error logs an error using the global logger
func Error(msg string, fields ...interface{}) {
	Global().Error(msg, fields...)
}

// With creates a child of the global logger
func With(fields ...interface{}) *Logger {
	return Global().With(fields...)
}
