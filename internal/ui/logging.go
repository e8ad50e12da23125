package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

// Logger is the process-wide logger. It embeds a phuslu logger so call sites
// can emit structured entries, and keeps the printf helpers for console
// messages.
type Logger struct {
	log.Logger
	debug bool
}

func NewLogger(debug bool) *Logger {
	return NewLoggerWithWriter(debug, "console", os.Stderr)
}

func NewLoggerWithWriter(debug bool, format string, w io.Writer) *Logger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	var writer log.Writer
	switch strings.ToLower(format) {
	case "json":
		writer = &log.IOWriter{Writer: w}
	default:
		writer = &log.ConsoleWriter{
			Writer:         w,
			ColorOutput:    w == os.Stderr || w == os.Stdout,
			QuoteString:    true,
			EndWithMessage: true,
		}
	}

	return &Logger{
		Logger: log.Logger{
			Level:      level,
			TimeFormat: "15:04:05",
			Writer:     writer,
		},
		debug: debug,
	}
}

// NopLogger discards everything. Used by tests.
func NopLogger() *Logger {
	return NewLoggerWithWriter(false, "json", io.Discard)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.debug {
		l.Logger.Debug().Msg(strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
	}
}

func (l *Logger) DebugEnabled() bool {
	return l.debug
}

func (l *Logger) Infof(format string, args ...any) {
	l.Logger.Info().Msg(strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.Logger.Error().Msg(strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
}
