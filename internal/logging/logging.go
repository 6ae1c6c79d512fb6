// Package logging provides loggers for the gateway, attached to the context.
package logging

import (
	"context"
)

// Logger is used to emit log messages.
type Logger interface {
	Debugf(msg string, args ...interface{})
	Debugw(msg string, keyValuePairs ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
}

// LoggerFactory retrieves a named logger for a given module.
type LoggerFactory func(module string) Logger

// Module returns an function that returns a logger for a given module when provided with context.
func Module(module string) func(ctx context.Context) Logger {
	return func(ctx context.Context) Logger {
		if l, ok := ctx.Value(loggerCacheKey).(*loggerCache); ok {
			return l.getLogger(module)
		}

		return nullLogger{}
	}
}
