package testhelper

import (
	"fmt"
	"os"
	"testing"

	monitorlog "gitlab.com/rendezvous/rendezvous-monitor/internal/log"
)

// Run sets up required testing state, executes the given test suite and
// fails it if goroutines are still running after a successful run.
func Run(m *testing.M) {
	monitorlog.Configure(monitorlog.Loggers, "json", "panic")

	code := m.Run()

	if code == 0 {
		if err := findGoroutineLeaks(); err != nil {
			fmt.Printf("%v", err)
			code = 1
		}
	}

	os.Exit(code)
}
