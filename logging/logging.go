// Package logging builds the logrus loggers handed to every engine
// component. Each component logs under a category; categories listed in
// LOG_TRACE log at trace level while the rest follow the base level.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const TraceEnv = "LOG_TRACE"

// Categories used by the engine.
const (
	WAL        = "wal"
	Buffer     = "buffer"
	Lock       = "lock"
	Txn        = "txn"
	Index      = "index"
	Recovery   = "recovery"
	Checkpoint = "checkpoint"
	Storage    = "storage"

	all = "all"
)

type Config struct {
	Out     io.Writer
	Verbose bool
	JSON    bool
	Trace   []string
}

// Loggers hands out per-category loggers that share output and format.
type Loggers struct {
	base  *logrus.Logger
	trace map[string]bool

	mu     sync.Mutex
	traced map[string]*logrus.Logger
}

func New(cfg Config) *Loggers {
	base := logrus.New()
	if cfg.Out != nil {
		base.SetOutput(cfg.Out)
	}
	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	base.SetLevel(logrus.InfoLevel)
	if cfg.Verbose {
		base.SetLevel(logrus.DebugLevel)
	}
	return Wrap(base, cfg.Trace)
}

// Wrap builds category loggers on top of an existing logger.
func Wrap(base *logrus.Logger, trace []string) *Loggers {
	l := &Loggers{
		base:   base,
		trace:  make(map[string]bool),
		traced: make(map[string]*logrus.Logger),
	}
	for _, c := range trace {
		l.trace[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return l
}

// Discard returns loggers that drop everything.
func Discard() *Loggers {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return Wrap(base, nil)
}

func (l *Loggers) Base() *logrus.Logger {
	return l.base
}

// Traced reports whether category logs at trace level.
func (l *Loggers) Traced(category string) bool {
	return l.trace[all] || l.trace[category]
}

// For returns the logger of a component category.
func (l *Loggers) For(category string) logrus.FieldLogger {
	logger := l.base
	if l.Traced(category) && !l.base.IsLevelEnabled(logrus.TraceLevel) {
		l.mu.Lock()
		traced, ok := l.traced[category]
		if !ok {
			traced = &logrus.Logger{
				Out:       l.base.Out,
				Hooks:     l.base.Hooks,
				Formatter: l.base.Formatter,
				Level:     logrus.TraceLevel,
				ExitFunc:  l.base.ExitFunc,
			}
			l.traced[category] = traced
		}
		l.mu.Unlock()
		logger = traced
	}
	return logger.WithField("component", category)
}

// TraceFromEnv returns the categories named in LOG_TRACE.
func TraceFromEnv() []string {
	return ParseTrace(os.Getenv(TraceEnv))
}

func ParseTrace(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, strings.ToLower(c))
		}
	}
	return out
}
