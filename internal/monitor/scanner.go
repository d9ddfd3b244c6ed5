package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/helper"
)

// scanner recovers branches whose notification was missed. Every tick it
// reads one page of pending metadata from each backend and closes the
// visible branches directly, without going through the pending set.
type scanner struct {
	logger         logrus.FieldLogger
	adapters       *backend.Registry
	closer         BranchCloser
	knownClosed    *closedCache
	metrics        *metrics
	region         string
	backendTimeout time.Duration
	// cursors holds the resume position per tag. A missing entry is the
	// start cursor.
	cursors map[string]backend.Cursor
	// passClosed holds the bids closed per tag since its pass started, so
	// that a record served on two pages of one pass is closed only once even
	// when the known-closed cache is disabled.
	passClosed map[string]map[string]struct{}
}

func newScanner(
	logger logrus.FieldLogger,
	adapters *backend.Registry,
	closer BranchCloser,
	knownClosed *closedCache,
	metrics *metrics,
	cfg Config,
) *scanner {
	return &scanner{
		logger:         logger.WithField("component", "reconciliation_scanner"),
		adapters:       adapters,
		closer:         closer,
		knownClosed:    knownClosed,
		metrics:        metrics,
		region:         cfg.Region,
		backendTimeout: cfg.BackendTimeout,
		cursors:        make(map[string]backend.Cursor),
		passClosed:     make(map[string]map[string]struct{}),
	}
}

// Run scans on every tick until ctx is done, in which case the context's
// error is returned. Scan errors are logged; only fatal closure errors end
// the loop early.
func (s *scanner) Run(ctx context.Context, ticker helper.Ticker) error {
	s.logger.Info("reconciliation scanner started")
	defer s.logger.Info("reconciliation scanner stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := s.scan(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *scanner) scan(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.scanDurationHistogram.Observe(time.Since(start).Seconds()) }()

	// bids closed during this tick
	closed := make(map[string]struct{})

	for _, tag := range s.adapters.Tags() {
		adapter, err := s.adapters.Get(tag)
		if err != nil {
			return err
		}

		if err := s.scanTag(ctx, tag, adapter, closed); err != nil {
			if ctx.Err() != nil || isFatal(err) {
				return err
			}

			s.logger.WithError(err).WithField("tag", tag).Error("scanning pending branches")
		}
	}

	return nil
}

func (s *scanner) scanTag(ctx context.Context, tag string, adapter backend.Adapter, closed map[string]struct{}) error {
	cursor := s.cursors[tag]

	passClosed, ok := s.passClosed[tag]
	if !ok {
		passClosed = make(map[string]struct{})
		s.passClosed[tag] = passClosed
	}

	records, next, err := s.scanPage(ctx, adapter, cursor)
	if err != nil {
		return fmt.Errorf("scan page at cursor %q: %w", cursor, err)
	}

	for _, record := range records {
		if _, ok := closed[record.BID]; ok {
			continue
		}
		if _, ok := passClosed[record.BID]; ok || s.knownClosed.Contains(record.BID) {
			continue
		}

		logger := s.logger.WithFields(logrus.Fields{
			"bid":    record.BID,
			"tag":    tag,
			"region": s.region,
		})

		visible, err := s.findVisible(ctx, adapter, record.BID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			decision := classifyBackendError(err)
			s.metrics.decision(decision)
			logDecision(logger, decision, err, "checking scanned branch visibility")
			continue
		}

		if !visible {
			continue
		}

		if err := s.closer.CloseBranch(ctx, record.BID, s.region); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			decision := Classify(err)
			s.metrics.decision(decision)
			logDecision(logger, decision, err, "closing scanned branch")

			switch decision {
			case Retry:
				// The cursor stays put so that the page is read again.
				return nil
			case Skip:
				closed[record.BID] = struct{}{}
				passClosed[record.BID] = struct{}{}
				continue
			default:
				return fmt.Errorf("%w: closing scanned branch %q: %s", ErrFatal, record.BID, err)
			}
		}

		closed[record.BID] = struct{}{}
		passClosed[record.BID] = struct{}{}
		s.knownClosed.Add(record.BID)
		s.metrics.branchClosed(pathScan)
		logger.Info("scanned branch closed")
	}

	s.cursors[tag] = next

	if next == backend.StartCursor {
		delete(s.passClosed, tag)
		s.metrics.scanPassCompleted(tag)
		s.logger.WithField("tag", tag).Debug("reconciliation pass completed")
	}

	return nil
}

func (s *scanner) scanPage(ctx context.Context, adapter backend.Adapter, cursor backend.Cursor) ([]backend.MetadataRecord, backend.Cursor, error) {
	if s.backendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.backendTimeout)
		defer cancel()
	}

	return adapter.ScanPending(ctx, cursor)
}

func (s *scanner) findVisible(ctx context.Context, adapter backend.Adapter, bid string) (bool, error) {
	if s.backendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.backendTimeout)
		defer cancel()
	}

	return adapter.FindVisible(ctx, bid)
}
