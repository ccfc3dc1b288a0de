package clog

import (
	"io"
	"os"

	"github.com/apex/log"
)

var clogger = NewContextLogger(os.Stderr)

// Setup points both the package level apex/log logger and the global context
// logger at w and sets their level.
func Setup(w io.Writer, level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}

	log.SetHandler(NewHandler(w))
	log.SetLevel(lvl)

	if err := clogger.SetOutput(GlobalLoggerCtx, w); err != nil {
		return err
	}
	clogger.SetLevel(GlobalLoggerCtx, lvl)
	return nil
}

// AddLoggingContext sends entries for ctx to w until RemoveLoggingContext is called.
func AddLoggingContext(ctx string, w io.Writer) {
	clogger.AddLoggingContext(ctx, w)
}

// RemoveLoggingContext closes the writer added for ctx.
func RemoveLoggingContext(ctx string) {
	clogger.RemoveLoggingContext(ctx)
}

func UsingCtx(ctx string) *log.Entry {
	return clogger.UsingCtx(ctx)
}
