// Package ipmblog is a small leveled wrapper over the standard library
// *log.Logger, in the shape of go-mcast's definition.DefaultLogger: callers
// may supply their own *log.Logger (or nothing, for a stderr default), and
// get Debug/Info/Warn/Error helpers with a calldepth that points callers at
// their own call site rather than into this package.
package ipmblog

import (
	"fmt"
	"io"
	"log"
	"os"
)

const calldepth = 2

// Logger is the leveled wrapper. The zero value is not usable; use New or
// Default.
type Logger struct {
	*log.Logger
	debug bool
}

// New wraps an existing *log.Logger. If l is nil, a stderr logger with the
// given prefix is created.
func New(l *log.Logger, prefix string) *Logger {
	if l == nil {
		l = log.New(os.Stderr, prefix, log.LstdFlags)
	}
	return &Logger{Logger: l}
}

// NewWriter builds a Logger writing to w with the given prefix.
func NewWriter(w io.Writer, prefix string) *Logger {
	return &Logger{Logger: log.New(w, prefix, log.LstdFlags)}
}

var defaultLogger = New(nil, "ipmb ")

// Default returns the package-wide fallback logger.
func Default() *Logger { return defaultLogger }

// SetDebug toggles Debug-level output.
func (l *Logger) SetDebug(enabled bool) { l.debug = enabled }

func (l *Logger) level(prefix, msg string) string {
	return fmt.Sprintf("[%s] %s", prefix, msg)
}

func (l *Logger) Info(v ...any) {
	l.Output(calldepth, l.level("INFO", fmt.Sprint(v...)))
}

func (l *Logger) Infof(format string, v ...any) {
	l.Output(calldepth, l.level("INFO", fmt.Sprintf(format, v...)))
}

func (l *Logger) Warn(v ...any) {
	l.Output(calldepth, l.level("WARN", fmt.Sprint(v...)))
}

func (l *Logger) Warnf(format string, v ...any) {
	l.Output(calldepth, l.level("WARN", fmt.Sprintf(format, v...)))
}

func (l *Logger) Error(v ...any) {
	l.Output(calldepth, l.level("ERROR", fmt.Sprint(v...)))
}

func (l *Logger) Errorf(format string, v ...any) {
	l.Output(calldepth, l.level("ERROR", fmt.Sprintf(format, v...)))
}

func (l *Logger) Debug(v ...any) {
	if l.debug {
		l.Output(calldepth, l.level("DEBUG", fmt.Sprint(v...)))
	}
}

func (l *Logger) Debugf(format string, v ...any) {
	if l.debug {
		l.Output(calldepth, l.level("DEBUG", fmt.Sprintf(format, v...)))
	}
}
