package logger

import corelogger "github.com/techthom/ipmi2mqtt/core/logger"

// Logger aliases the core interface so infra packages need a single import.
type Logger = corelogger.Logger

// New returns a component-tagged Logger. Output format and level follow the
// APP_ENV and LOG_LEVEL environment variables.
func New(component string) Logger {
	return NewZerologLogger(component)
}

// NopLogger implements Logger with no-op methods, for tests.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Debugw(string, map[string]any) {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}
