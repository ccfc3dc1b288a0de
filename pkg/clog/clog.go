package clog

import (
	"fmt"
	"io"
	"sync"

	"github.com/apex/log"
)

// ContextLogger keeps one logger per run. Entries for a run go to that run's
// writer when one was added, and to the global logger otherwise. Every entry
// carries the run id in its "run" field.
type ContextLogger struct {
	GlobalLogger   *log.Logger
	ContextLoggers sync.Map
}

const GlobalLoggerCtx = "global"

func NewContextLogger(globalLoggerWriter io.Writer) *ContextLogger {
	return &ContextLogger{
		GlobalLogger: &log.Logger{
			Handler: NewHandler(globalLoggerWriter),
			Level:   log.InfoLevel,
		},
	}
}

func (l *ContextLogger) AddLoggingContext(ctx string, w io.Writer) {
	logger := &log.Logger{
		Handler: NewHandler(w),
		Level:   l.GlobalLogger.Level,
	}
	l.ContextLoggers.Store(ctx, logger)
}

func (l *ContextLogger) RemoveLoggingContext(ctx string) {
	logger, ok := l.ContextLoggers.LoadAndDelete(ctx)
	if !ok {
		return
	}

	if h := handlerOf(logger.(*log.Logger)); h != nil {
		h.Close()
	}
}

func (l *ContextLogger) SetLevel(ctx string, level log.Level) {
	if ctx == GlobalLoggerCtx {
		l.GlobalLogger.Level = level
		return
	}

	if logger := l.getContextLogger(ctx); logger != nil {
		logger.Level = level
	}
}

func (l *ContextLogger) SetOutput(ctx string, w io.Writer) error {
	logger := l.GlobalLogger
	if ctx != GlobalLoggerCtx {
		logger = l.getContextLogger(ctx)
	}

	h := handlerOf(logger)
	if h == nil {
		return fmt.Errorf("no such context %s", ctx)
	}

	h.SetOutput(w)
	return nil
}

func (l *ContextLogger) UsingCtx(ctx string) *log.Entry {
	logger := l.getContextLogger(ctx)
	if logger == nil {
		logger = l.GlobalLogger
	}
	return logger.WithField("run", ctx)
}

func (l *ContextLogger) getContextLogger(ctx string) *log.Logger {
	logger, ok := l.ContextLoggers.Load(ctx)
	if !ok {
		return nil
	}

	clogger, _ := logger.(*log.Logger)
	return clogger
}

func handlerOf(logger *log.Logger) *Handler {
	if logger == nil {
		return nil
	}

	h, _ := logger.Handler.(*Handler)
	return h
}
