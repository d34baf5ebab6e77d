// Package logging provides the proxy's leveled colour logger. Output goes to
// stdout; every entry is also kept in a bounded history ring and fanned out to
// registered listeners so the web surfaces can tail the log.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
)

// Level is a log severity tag.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
	LevelDebug   Level = "DEBUG"
)

// Entry is one structured log record.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// Listener receives every entry as it is logged.
type Listener func(entry Entry)

// Logger is a leveled logger with history and listener fan-out.
type Logger struct {
	mu         sync.RWMutex
	debug      bool
	history    []Entry
	maxHistory int
	listeners  []Listener
}

// New returns a Logger with an empty history ring.
func New() *Logger {
	return &Logger{maxHistory: 1000}
}

// SetDebug toggles emission of Debug entries.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// DebugEnabled reports whether Debug entries are emitted.
func (l *Logger) DebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debug
}

// AddListener registers a listener for future entries.
func (l *Logger) AddListener(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// History returns a copy of the retained entries, oldest first.
func (l *Logger) History() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Logger) emit(level Level, color, format string, args ...interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	msg := fmt.Sprintf(format, args...)

	fmt.Fprintf(os.Stdout, "%s[%s]%s %s[%s]%s %s\n",
		colorGray, ts, colorReset, color, level, colorReset, msg)

	entry := Entry{Timestamp: ts, Level: level, Message: msg}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]Listener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	// Listeners run outside the lock; a slow listener must not stall logging.
	for _, fn := range listeners {
		fn(entry)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, colorBlue, format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.emit(LevelSuccess, colorGreen, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, colorYellow, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, colorRed, format, args...)
}

// Debug logs a debug message when debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.DebugEnabled() {
		l.emit(LevelDebug, colorMagenta, format, args...)
	}
}

// Header prints a section banner to stdout, bypassing the history.
func (l *Logger) Header(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Default returns the process-wide logger.
func Default() *Logger {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Package-level shorthands on the default logger.

func Info(format string, args ...interface{})    { Default().Info(format, args...) }
func Success(format string, args ...interface{}) { Default().Success(format, args...) }
func Warn(format string, args ...interface{})    { Default().Warn(format, args...) }
func Error(format string, args ...interface{})   { Default().Error(format, args...) }
func Debug(format string, args ...interface{})   { Default().Debug(format, args...) }
func Header(title string)                        { Default().Header(title) }

// SetDebug toggles debug mode on the default logger.
func SetDebug(enabled bool) { Default().SetDebug(enabled) }

// IsDebug reports debug mode on the default logger.
func IsDebug() bool { return Default().DebugEnabled() }
