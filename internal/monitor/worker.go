package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
)

// worker drains the pending set. It confirms each branch is visible in its
// backend and then closes it on the coordinator. It never inserts entries.
type worker struct {
	logger            logrus.FieldLogger
	pending           *PendingSet
	adapters          *backend.Registry
	closer            BranchCloser
	knownClosed       *closedCache
	metrics           *metrics
	region            string
	consistencyChecks bool
	recheckDelay      time.Duration
	retryDelay        time.Duration
	backendTimeout    time.Duration
	sleep             func(context.Context, time.Duration) bool
}

func newWorker(
	logger logrus.FieldLogger,
	pending *PendingSet,
	adapters *backend.Registry,
	closer BranchCloser,
	knownClosed *closedCache,
	metrics *metrics,
	cfg Config,
) *worker {
	return &worker{
		logger:            logger.WithField("component", "closure_worker"),
		pending:           pending,
		adapters:          adapters,
		closer:            closer,
		knownClosed:       knownClosed,
		metrics:           metrics,
		region:            cfg.Region,
		consistencyChecks: cfg.ConsistencyChecks,
		recheckDelay:      cfg.RecheckDelay,
		retryDelay:        cfg.RetryDelay,
		backendTimeout:    cfg.BackendTimeout,
		sleep:             sleep,
	}
}

// Run processes snapshots of the pending set until the set is stopped or ctx
// is done. It only returns an error wrapping ErrFatal.
func (w *worker) Run(ctx context.Context) error {
	w.logger.Info("closure worker started")
	defer w.logger.Info("closure worker stopped")

	for {
		keys, ok := w.pending.Wait()
		if !ok || ctx.Err() != nil {
			return nil
		}

		for _, key := range keys {
			if err := w.process(ctx, key); err != nil {
				return err
			}

			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// process moves a single branch forward. An entry which is not visible yet
// or hit a retryable error stays pending for the next snapshot.
func (w *worker) process(ctx context.Context, key BranchKey) error {
	logger := w.logger.WithFields(logrus.Fields{
		"bid":    key.BID,
		"tag":    key.Tag,
		"region": w.region,
	})

	if w.knownClosed.Contains(key.BID) {
		logger.Debug("branch already closed")
		w.pending.Remove(key)
		return nil
	}

	if w.consistencyChecks {
		visible, err := w.findVisible(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			decision := classifyBackendError(err)
			w.metrics.decision(decision)
			logDecision(logger, decision, err, "checking branch visibility")

			if decision == Retry {
				w.sleep(ctx, w.retryDelay)
			} else {
				w.pending.Remove(key)
			}
			return nil
		}

		if !visible {
			w.metrics.inconsistencyPrevented()
			logger.Debug("write not visible yet")
			w.sleep(ctx, w.recheckDelay)
			return nil
		}
	}

	if err := w.closer.CloseBranch(ctx, key.BID, w.region); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		decision := Classify(err)
		w.metrics.decision(decision)
		logDecision(logger, decision, err, "closing branch")

		switch decision {
		case Retry:
			w.sleep(ctx, w.retryDelay)
			return nil
		case Skip:
			w.pending.Remove(key)
			return nil
		default:
			return fmt.Errorf("%w: closing branch %q: %s", ErrFatal, key.BID, err)
		}
	}

	w.pending.Remove(key)
	w.knownClosed.Add(key.BID)
	w.metrics.branchClosed(pathSubscription)
	logger.Info("branch closed")

	return nil
}

func (w *worker) findVisible(ctx context.Context, key BranchKey) (bool, error) {
	adapter, err := w.adapters.Get(key.Tag)
	if err != nil {
		return false, err
	}

	if w.backendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.backendTimeout)
		defer cancel()
	}

	return adapter.FindVisible(ctx, key.BID)
}
