package testhelper

import (
	"testing"

	"go.uber.org/goleak"
)

var goleakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}

// findGoroutineLeaks retries for a short while until all goroutines started
// by the tests have exited and reports the ones that did not.
func findGoroutineLeaks() error {
	return goleak.Find(goleakOptions...)
}

// MustHaveNoGoroutines records the goroutines running right now. Calling the
// returned function fails the test when any other goroutine is still alive.
func MustHaveNoGoroutines(t testing.TB) func() {
	opts := append([]goleak.Option{goleak.IgnoreCurrent()}, goleakOptions...)
	return func() {
		t.Helper()
		goleak.VerifyNone(t, opts...)
	}
}
