package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/helper"
	"google.golang.org/grpc/codes"
)

// ErrFatal wraps errors which retrying cannot fix. The monitor stops when a
// task returns it.
var ErrFatal = errors.New("fatal monitor error")

// Decision is the outcome of classifying an error.
type Decision int

const (
	// Retry keeps the operation pending and retries it after a fixed delay.
	Retry Decision = iota
	// Skip logs the error and treats the branch as resolved.
	Skip
	// Fatal stops the monitor.
	Fatal
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Skip:
		return "skip"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify decides how to handle an error returned by the coordinator.
// Cancellations reaching Classify did not originate from the monitor
// stopping, so they are retried.
func Classify(err error) Decision {
	if errors.Is(err, backend.ErrUnavailable) {
		return Retry
	}

	if errors.Is(err, backend.ErrUnknownTag) {
		return Skip
	}

	switch helper.GrpcCode(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return Retry
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists:
		return Skip
	default:
		return Fatal
	}
}

// classifyBackendError decides how to handle an error returned by a backend
// adapter. Adapter errors are never fatal: transient ones are retried and
// any other error resolves the branch.
func classifyBackendError(err error) Decision {
	if errors.Is(err, backend.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return Retry
	}
	return Skip
}

// logDecision writes the structured log line of a classified error.
func logDecision(logger logrus.FieldLogger, decision Decision, err error, msg string) {
	entry := logger.WithError(err).WithFields(logrus.Fields{
		"decision":  decision.String(),
		"grpc.code": helper.GrpcCode(err).String(),
	})

	switch decision {
	case Fatal:
		entry.Error(msg)
	default:
		entry.Warn(msg)
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
