package logging

import (
	"context"
	"sync"
)

type contextKey string

const loggerCacheKey contextKey = "logger"

// loggerCache caches loggers by module name so that Module() calls with the
// same name return the same instance for a given context chain.
type loggerCache struct {
	createLoggerForModule LoggerFactory

	mu      sync.Mutex
	loggers map[string]Logger
}

func (s *loggerCache) getLogger(module string) Logger {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.loggers[module]
	if l == nil {
		l = s.createLoggerForModule(module)
		s.loggers[module] = l
	}

	return l
}

// WithLogger returns a derived context with associated logger factory.
func WithLogger(ctx context.Context, l LoggerFactory) context.Context {
	if l == nil {
		l = func(module string) Logger { return nullLogger{} }
	}

	return context.WithValue(ctx, loggerCacheKey, &loggerCache{
		createLoggerForModule: l,
		loggers:               map[string]Logger{},
	})
}
