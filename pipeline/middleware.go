package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/session"
	"github.com/fxsml/relay/stats"
)

// Middleware wraps a ProcessFunc with additional behavior.
type Middleware func(next ProcessFunc) ProcessFunc

// chain applies middleware so that the first one is the outermost.
func chain(fn ProcessFunc, mw ...Middleware) ProcessFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		fn = mw[i](fn)
	}
	return fn
}

// RecoveryError wraps a panic value with the stack trace.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// Recover converts a panic inside a pipe into a RecoveryError, so the runner
// can route it through the exception forward.
func Recover() Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, msg *message.Message, sess *session.Session) (res Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					res = Result{}
					err = &RecoveryError{
						PanicValue: r,
						StackTrace: string(debug.Stack()),
					}
				}
			}()
			return next(ctx, msg, sess)
		}
	}
}

// Timeout bounds each invocation. Zero or negative duration disables it.
func Timeout(d time.Duration) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg, sess)
		}
	}
}

// Metrics records the duration of every invocation in d.
func Metrics(d *stats.Distribution) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error) {
			defer d.Since(time.Now())
			return next(ctx, msg, sess)
		}
	}
}

// Log writes one debug line per invocation.
func Log(logger Logger, pipe string) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, msg *message.Message, sess *session.Session) (Result, error) {
			start := time.Now()
			res, err := next(ctx, msg, sess)
			if err != nil {
				logger.Debug("Pipe failed", "pipe", pipe, "mid", sess.MessageID(), "duration", time.Since(start), "error", err)
				return res, err
			}
			logger.Debug("Pipe done", "pipe", pipe, "mid", sess.MessageID(), "forward", res.Forward, "duration", time.Since(start))
			return res, err
		}
	}
}
