// Package dontpanic provides function wrappers to ensure that wrapped code
// does not panic and cause program crashes.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/log"
)

// PanicError is returned by Guard when the wrapped function panicked.
type PanicError struct {
	Recovered interface{}
}

func (e PanicError) Error() string {
	return fmt.Sprintf("dontpanic: recovered: %v", e.Recovered)
}

var logger = log.Default()

// Guard wraps fn so that a panic is recovered, reported, and returned as a
// PanicError. Errors returned by fn pass through unchanged.
func Guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			err = PanicError{Recovered: recovered}

			var id *sentry.EventID
			if recoveredErr, ok := recovered.(error); ok {
				id = sentry.CaptureException(recoveredErr)
			} else {
				id = sentry.CaptureMessage(fmt.Sprint(recovered))
			}

			entry := logger
			if id != nil {
				entry = entry.WithField("sentry_id", *id)
			}
			entry.Errorf("dontpanic: recovered value: %+v", recovered)
		}()

		return fn()
	}
}
