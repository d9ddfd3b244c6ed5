package sentry

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Config contains configuration for sentry
type Config struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// ConfigureSentry configures the sentry DSN
func ConfigureSentry(version string, sentryConf Config) {
	if sentryConf.DSN == "" {
		return
	}

	logrus.Debug("Using sentry logging")

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         sentryConf.DSN,
		Environment: sentryConf.Environment,
		Release:     "v" + version,
	}); err != nil {
		logrus.Warnf("Unable to initialize sentry client: %v", err)
	}
}

// Fatal reports err to sentry and waits for the event to be delivered. It
// is called right before the process exits on an unrecoverable error.
func Fatal(err error) {
	if sentry.CurrentHub().Client() == nil {
		return
	}

	sentry.CaptureException(fmt.Errorf("fatal: %w", err))
	sentry.Flush(flushTimeout)
}
