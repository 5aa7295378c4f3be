// internal/utils/logger.go

package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger defines the interface for logging throughout the application.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

var (
	rootMu     sync.RWMutex
	rootLogger = newRootLogger(os.Stderr, zerolog.InfoLevel, "console")
)

func newRootLogger(out io.Writer, level zerolog.Level, format string) zerolog.Logger {
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	if format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ConfigureLogging replaces the process-wide log sink. Loggers created
// afterwards pick up the new level and format; component loggers declared at
// package level resolve the root lazily, so they follow as well.
func ConfigureLogging(level, format string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}
	if format == "" {
		format = "console"
	}

	rootMu.Lock()
	rootLogger = newRootLogger(out, lvl, format)
	rootMu.Unlock()
	return nil
}

func currentRoot() zerolog.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return rootLogger
}

// ZeroLogger adapts zerolog to the Logger interface.
type ZeroLogger struct {
	component string
	fields    map[string]interface{}
}

// NewLogger returns a logger without a component tag.
func NewLogger() Logger {
	return &ZeroLogger{}
}

// NewComponentLogger returns a logger tagged with the given component name.
func NewComponentLogger(component string) Logger {
	return &ZeroLogger{component: component}
}

func (l *ZeroLogger) build() zerolog.Logger {
	ctx := currentRoot().With()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if len(l.fields) > 0 {
		ctx = ctx.Fields(l.fields)
	}
	return ctx.Logger()
}

func (l *ZeroLogger) Debug(msg string) {
	zl := l.build()
	zl.Debug().Msg(msg)
}

func (l *ZeroLogger) Debugf(format string, args ...interface{}) {
	zl := l.build()
	zl.Debug().Msgf(format, args...)
}

func (l *ZeroLogger) Info(msg string) {
	zl := l.build()
	zl.Info().Msg(msg)
}

func (l *ZeroLogger) Infof(format string, args ...interface{}) {
	zl := l.build()
	zl.Info().Msgf(format, args...)
}

func (l *ZeroLogger) Warn(msg string) {
	zl := l.build()
	zl.Warn().Msg(msg)
}

func (l *ZeroLogger) Warnf(format string, args ...interface{}) {
	zl := l.build()
	zl.Warn().Msgf(format, args...)
}

func (l *ZeroLogger) Error(msg string) {
	zl := l.build()
	zl.Error().Msg(msg)
}

func (l *ZeroLogger) Errorf(format string, args ...interface{}) {
	zl := l.build()
	zl.Error().Msgf(format, args...)
}

func (l *ZeroLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *ZeroLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &ZeroLogger{component: l.component, fields: merged}
}
