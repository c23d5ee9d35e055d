// Package pollog is a small structured-logging shim over the standard
// library's log.Logger. It keeps the teacher repo's log.Printf call-site
// style (see JeKaQM-Servicarr_'s checker/database/alerts packages) while
// adding a level prefix and optional ANSI color when stdout is a terminal.
package pollog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Level is a coarse log severity.
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
		return "LOG"
	}
}

var colorCodes = map[Level]string{
	LevelDebug: "\033[90m",
	LevelInfo:  "\033[36m",
	LevelWarn:  "\033[33m",
	LevelError: "\033[31m",
}

const colorReset = "\033[0m"

// Logger wraps a *log.Logger with level-prefixed, optionally colored lines.
type Logger struct {
	mu     sync.Mutex
	out    *log.Logger
	color  bool
	prefix string
}

// Default is the process-wide logger, matching the teacher's convention of
// calling log.Printf directly from anywhere in the codebase.
var Default = New(os.Stderr, "")

// New creates a Logger writing to w. Color is enabled automatically when w
// is a terminal.
func New(w io.Writer, prefix string) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{
		out:    log.New(w, "", log.LstdFlags),
		color:  color,
		prefix: prefix,
	}
}

// With returns a child logger that prefixes every line with name, e.g.
// pollog.Default.With("worker-3").Info("started").
func (l *Logger) With(name string) *Logger {
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{out: l.out, color: l.color, prefix: prefix}
}

func (l *Logger) line(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	tag := level.String()
	if l.prefix != "" {
		tag = tag + " " + l.prefix
	}
	if l.color {
		l.mu.Lock()
		l.out.Printf("%s[%s]%s %s", colorCodes[level], tag, colorReset, msg)
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.out.Printf("[%s] %s", tag, msg)
	l.mu.Unlock()
}

func (l *Logger) Debug(format string, args ...any) { l.line(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.line(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.line(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.line(LevelError, format, args...) }

// Fatal logs at error level and exits the process with code 1. It is used
// only for the configuration-error path (spec.md §7 rule 5) — never from
// within the core's probe/aggregator/pingclient loops.
func (l *Logger) Fatal(format string, args ...any) {
	l.line(LevelError, format, args...)
	os.Exit(1)
}
