// Package reporting forwards panics and fatal conditions to Sentry.
package reporting

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

const flushTimeout = 6 * time.Second

var enabled atomic.Bool

// Init configures the Sentry client. An empty dsn leaves reporting disabled, in which case
// PanicListener only logs.
func Init(dsn, release string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          release,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	enabled.Store(true)
	return nil
}

// Enabled reports whether a Sentry client has been configured.
func Enabled() bool {
	return enabled.Load()
}

func PanicListener(msg string) {
	slog.Error("Recovered from panic", "panic", msg)
	if !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureMessage(msg)
	})
	if result := sentry.Flush(flushTimeout); !result {
		slog.Error("sentry.Flush: timeout")
	}
}

// Recovered formats a value returned by recover and hands it to PanicListener. It returns the
// formatted message.
func Recovered(r any) string {
	msg := fmt.Sprintf("panic: %v", r)
	PanicListener(msg)
	return msg
}
