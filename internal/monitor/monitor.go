// Package monitor closes rendezvous branches once the write behind them has
// become visible in the storage backend.
//
// A Monitor runs three tasks over one PendingSet. The listener inserts the
// branches pushed by the coordinator, the worker drains them and the
// scanner periodically walks the backends' metadata to catch branches whose
// notification was lost.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/dontpanic"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/helper"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/rendezvous"
	"golang.org/x/sync/errgroup"
)

// BranchCloser reports branches as visible to the coordinator.
type BranchCloser interface {
	CloseBranch(ctx context.Context, bid, region string) error
}

// Coordinator is the part of the rendezvous client the monitor depends on.
type Coordinator interface {
	BranchCloser
	Subscribe(ctx context.Context, service, region string) (*rendezvous.BranchStream, error)
}

// Config holds the monitor's tunables.
type Config struct {
	Service string
	Region  string
	// ConsistencyChecks enables the visibility check before closing pushed
	// branches.
	ConsistencyChecks bool
	RecheckDelay      time.Duration
	// RetryDelay is the fixed delay applied after retryable errors.
	RetryDelay     time.Duration
	BackendTimeout time.Duration

	ScanEnabled        bool
	ScanInterval       time.Duration
	KnownClosedSize    int
	ScanLatencyBuckets []float64
}

// ConfigFromFile derives the monitor configuration from the service
// configuration.
func ConfigFromFile(cfg config.Config) Config {
	return Config{
		Service:            cfg.Service,
		Region:             cfg.Region,
		ConsistencyChecks:  cfg.ConsistencyChecks,
		RecheckDelay:       cfg.RecheckDelay.Duration(),
		RetryDelay:         cfg.Rendezvous.ServerUnavailableRetry.Duration(),
		BackendTimeout:     cfg.BackendTimeout.Duration(),
		ScanEnabled:        cfg.Scan.Enabled,
		ScanInterval:       cfg.Scan.Interval.Duration(),
		KnownClosedSize:    cfg.Scan.KnownClosedSize,
		ScanLatencyBuckets: cfg.Prometheus.ScanLatencyBuckets,
	}
}

var errNoAdapters = errors.New("no backend adapters registered")

// Monitor owns the pending set and the tasks operating on it.
type Monitor struct {
	logger    logrus.FieldLogger
	cfg       Config
	pending   *PendingSet
	metrics   *metrics
	listener  *listener
	worker    *worker
	scanner   *scanner
	newTicker func(time.Duration) helper.Ticker

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New returns a monitor for cfg.Service in cfg.Region. Branches are checked
// against the adapter registered for their tag.
func New(logger logrus.FieldLogger, coordinator Coordinator, adapters *backend.Registry, cfg Config) (*Monitor, error) {
	if adapters.Len() == 0 && (cfg.ConsistencyChecks || cfg.ScanEnabled) {
		return nil, errNoAdapters
	}

	knownClosed, err := newClosedCache(cfg.KnownClosedSize)
	if err != nil {
		return nil, fmt.Errorf("known closed cache: %w", err)
	}

	pending := NewPendingSet()
	metrics := newMetrics(pending.Len, cfg.ScanLatencyBuckets)

	return &Monitor{
		logger:    logger,
		cfg:       cfg,
		pending:   pending,
		metrics:   metrics,
		listener:  newListener(logger, pending, coordinator, metrics, cfg),
		worker:    newWorker(logger, pending, adapters, coordinator, knownClosed, metrics, cfg),
		scanner:   newScanner(logger, adapters, coordinator, knownClosed, metrics, cfg),
		newTicker: helper.NewTimerTicker,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the tasks. It must be called once. The tasks run until ctx
// is done, Stop is called or one of them fails.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		m.pending.Stop()
		return nil
	})

	group.Go(dontpanic.Guard(func() error {
		return m.listener.Run(ctx)
	}))

	group.Go(dontpanic.Guard(func() error {
		return m.worker.Run(ctx)
	}))

	if m.cfg.ScanEnabled {
		group.Go(dontpanic.Guard(func() error {
			err := m.scanner.Run(ctx, m.newTicker(m.cfg.ScanInterval))
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}))
	}

	m.logger.WithFields(logrus.Fields{
		"service":            m.cfg.Service,
		"region":             m.cfg.Region,
		"consistency_checks": m.cfg.ConsistencyChecks,
		"scan_enabled":       m.cfg.ScanEnabled,
	}).Info("monitor started")

	go func() {
		m.err = group.Wait()
		close(m.done)
	}()
}

// Wait blocks until every task has exited. A non-nil error always wraps
// ErrFatal. It returns nil right away if the monitor was never started.
func (m *Monitor) Wait() error {
	cancel, ok := m.startedCancel()
	if !ok {
		return nil
	}

	<-m.done
	cancel()

	if m.err == nil || isFatal(m.err) {
		return m.err
	}

	return fmt.Errorf("%w: %s", ErrFatal, m.err)
}

// Run starts the monitor and waits for it to exit.
func (m *Monitor) Run(ctx context.Context) error {
	m.Start(ctx)
	return m.Wait()
}

// Stop wakes up every task, waits for them to exit and returns the error
// Wait would have returned. Stopping a monitor that was never started is a
// no-op.
func (m *Monitor) Stop() error {
	cancel, ok := m.startedCancel()
	if !ok {
		return nil
	}

	cancel()
	err := m.Wait()
	m.logger.Info("monitor stopped")
	return err
}

func (m *Monitor) startedCancel() (context.CancelFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel, m.started
}

// Stats returns the running totals.
func (m *Monitor) Stats() Stats {
	return m.metrics.stats()
}

// Pending returns the number of branches waiting for closure.
func (m *Monitor) Pending() int {
	return m.pending.Len()
}

// Describe is used to describe Prometheus metrics.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	m.metrics.Describe(ch)
}

// Collect is used to collect Prometheus metrics.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	m.metrics.Collect(ch)
}
