// Package corelog provides the per-component leveled logger used across the
// proxy: a global threshold plus optional per-component overrides, an
// installable hook, and a rotating file sink that renames the current file
// with a timestamp suffix once it exceeds 1 MiB.
package corelog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) label() string {
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
		return "LOG"
	}
}

var levelNames = map[string]LogLevel{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"off":     LevelOff,
	"none":    LevelOff,
}

// ParseLevel converts a level name to a LogLevel. Empty and unrecognized
// names fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return LevelInfo
}

// LogConfig holds logging configuration, loaded from YAML alongside the rest
// of the proxy's configuration (see internal/config).
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	Dir        string            `yaml:"dir,omitempty"`
}

// LogHook is a callback invoked for every log message that passes level
// filtering. Nothing in this repo installs one by default; it exists for
// tests that want to assert on emitted messages without scraping stderr.
type LogHook func(level LogLevel, tag, message string)

// Logger filters messages by a global threshold with optional per-component
// overrides and writes them through the standard log package to stderr and,
// when a directory is available, a rotating file sink.
type Logger struct {
	threshold LogLevel
	overrides map[string]LogLevel // lowercase tag, fixed at construction

	hookMu sync.RWMutex
	hook   LogHook

	sink *rotatingFile // nil if file logging could not be set up
}

// NewLogger creates a Logger from cfg and, when a directory is available,
// points the standard log package at a rotating file alongside stderr.
func NewLogger(cfg LogConfig) *Logger {
	overrides := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		overrides[strings.ToLower(name)] = ParseLevel(level)
	}
	l := &Logger{
		threshold: ParseLevel(cfg.Level),
		overrides: overrides,
	}

	dir := cfg.Dir
	if dir == "" {
		dir = defaultLogDir()
	}
	if dir != "" {
		if sink, err := newRotatingFile(dir, "cnconlineforwarder"); err == nil {
			l.sink = sink
			log.SetOutput(io.MultiWriter(os.Stderr, sink))
		}
	}

	return l
}

// Close flushes and closes the log file sink, if any.
func (l *Logger) Close() {
	if l.sink != nil {
		l.sink.Close()
		l.sink = nil
	}
}

func defaultLogDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "logs")
}

// enabled reports whether a message at level for tag passes filtering.
func (l *Logger) enabled(level LogLevel, tag string) bool {
	threshold := l.threshold
	if o, ok := l.overrides[strings.ToLower(tag)]; ok {
		threshold = o
	}
	return level >= threshold
}

// SetHook installs a callback that receives every log message passing level
// filtering. Pass nil to remove it. Only one hook is active at a time.
func (l *Logger) SetHook(h LogHook) {
	l.hookMu.Lock()
	l.hook = h
	l.hookMu.Unlock()
}

// logf is the single funnel every level-specific method goes through: it
// filters, formats once, writes the line, and hands the formatted message
// to the hook if one is installed.
func (l *Logger) logf(level LogLevel, tag, format string, args ...any) {
	if !l.enabled(level, tag) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("%s [%s] %s", level.label(), tag, msg)

	l.hookMu.RLock()
	hook := l.hook
	l.hookMu.RUnlock()
	if hook != nil {
		hook(level, tag, msg)
	}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	l.logf(LevelDebug, tag, format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	l.logf(LevelInfo, tag, format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	l.logf(LevelWarn, tag, format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	l.logf(LevelError, tag, format, args...)
}

// Fatalf logs unconditionally, bypassing level filtering, then exits the
// process with status 1.
func (l *Logger) Fatalf(tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("FATAL [%s] %s", tag, msg)

	l.hookMu.RLock()
	hook := l.hook
	l.hookMu.RUnlock()
	if hook != nil {
		hook(LevelError, tag, msg)
	}

	l.Close()
	os.Exit(1)
}

// maxFileSize is the rotation threshold, 1 MiB.
const maxFileSize = 1024 * 1024

// rotatingFile is an io.Writer over a single log file that renames the
// current file with a timestamp suffix and opens a fresh one once the
// running size would exceed maxFileSize.
type rotatingFile struct {
	mu   sync.Mutex
	dir  string
	base string
	f    *os.File
	size int64
}

func newRotatingFile(dir, base string) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	r := &rotatingFile{dir: dir, base: base}
	if err := r.openCurrent(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) currentPath() string {
	return filepath.Join(r.dir, r.base+".log")
}

func (r *rotatingFile) openCurrent() error {
	f, err := os.OpenFile(r.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > maxFileSize && r.size > 0 {
		if err := r.rotate(); err != nil {
			// Fall back to appending to the current file rather than
			// losing the log line.
			return r.f.Write(p)
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	r.f.Close()
	rotated := filepath.Join(r.dir, fmt.Sprintf("%s-%s.log", r.base, time.Now().Format("20060102-150405")))
	if err := os.Rename(r.currentPath(), rotated); err != nil {
		// Reopen the existing file if the rename failed so logging
		// keeps working.
		return r.openCurrent()
	}
	return r.openCurrent()
}

func (r *rotatingFile) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Sync()
		r.f.Close()
		r.f = nil
	}
}
