package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var errStreamEnded = errors.New("subscription stream ended by coordinator")

// listener keeps a subscription open and feeds every pushed branch into the
// pending set.
type listener struct {
	logger      logrus.FieldLogger
	pending     *PendingSet
	coordinator Coordinator
	metrics     *metrics
	service     string
	region      string
	retryDelay  time.Duration
}

func newListener(logger logrus.FieldLogger, pending *PendingSet, coordinator Coordinator, metrics *metrics, cfg Config) *listener {
	return &listener{
		logger:      logger.WithField("component", "subscription_listener"),
		pending:     pending,
		coordinator: coordinator,
		metrics:     metrics,
		service:     cfg.Service,
		region:      cfg.Region,
		retryDelay:  cfg.RetryDelay,
	}
}

// Run subscribes and resubscribes after a constant delay whenever the stream
// breaks. It returns nil once ctx is done and an error wrapping ErrFatal for
// errors which resubscribing cannot fix. The pending set is cleared on exit.
func (l *listener) Run(ctx context.Context) error {
	defer l.pending.Clear()

	policy := backoff.WithContext(backoff.NewConstantBackOff(l.retryDelay), ctx)

	err := backoff.RetryNotify(func() error {
		err := l.subscribe(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return l.handleError(err)
	}, policy, func(err error, delay time.Duration) {
		l.logger.WithError(err).WithField("retry_in", delay.String()).Warn("subscription interrupted")
	})

	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (l *listener) handleError(err error) error {
	if errors.Is(err, errStreamEnded) {
		return err
	}

	decision := Classify(err)
	l.metrics.decision(decision)
	logDecision(l.logger.WithFields(logrus.Fields{
		"service": l.service,
		"region":  l.region,
	}), decision, err, "subscription failed")

	if decision == Fatal {
		return backoff.Permanent(fmt.Errorf("%w: subscription: %s", ErrFatal, err))
	}

	return err
}

func (l *listener) subscribe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := l.logger.WithField("session_id", uuid.New().String())

	stream, err := l.coordinator.Subscribe(ctx, l.service, l.region)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"service": l.service,
		"region":  l.region,
	}).Info("subscribed to branch notifications")

	for {
		branch, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}

		l.metrics.branchReceived()
		l.pending.Add(BranchKey{BID: branch.BID, Tag: branch.Tag})

		logger.WithFields(logrus.Fields{
			"bid": branch.BID,
			"tag": branch.Tag,
		}).Debug("branch opened")
	}
}
