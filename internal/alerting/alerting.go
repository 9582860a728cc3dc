// Package alerting adapts the teacher's internal/sentry (Init, Enabled,
// CaptureLifecycleEvent, Flush) into the command bus's crash/exception
// reporting path. The worker invokes Capture only for faults that are
// configuration or programmer errors — HANDLER_NOT_FOUND and the
// synthetic INTERNAL_ERROR path — never for routine handler failures,
// which are reported through status, audit, and reply instead (spec.md §7).
package alerting

import (
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var enabled atomic.Bool

// Init configures the global Sentry client. An empty dsn disables
// reporting entirely; Capture then becomes a no-op.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		enabled.Store(false)
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		enabled.Store(false)
		return err
	}
	enabled.Store(true)
	return nil
}

func Enabled() bool {
	return enabled.Load()
}

// Capture reports a fault against a command: domain, command type, and
// code are tagged so the alert groups by failure class rather than by
// command id.
func Capture(domain, commandType, code string, err error) {
	if !Enabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("domain", domain)
		scope.SetTag("command_type", commandType)
		scope.SetTag("error_code", code)
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}

// Flush blocks up to timeout for queued events to reach Sentry, called
// during graceful shutdown.
func Flush(timeout time.Duration) {
	if !Enabled() {
		return
	}
	sentry.Flush(timeout)
}
