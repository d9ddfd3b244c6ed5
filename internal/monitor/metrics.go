package monitor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	pathSubscription = "subscription"
	pathScan         = "scan"
)

// Stats are the monitor's running totals.
type Stats struct {
	// Received counts branches pushed by the coordinator.
	Received uint64
	// Closed counts branches closed by the worker.
	Closed uint64
	// ScanClosed counts branches closed by the reconciliation scanner.
	ScanClosed uint64
	// Skipped counts branches dropped after a non-retryable error.
	Skipped uint64
	// Retried counts operations postponed after a retryable error.
	Retried uint64
	// Inconsistencies counts visibility checks which found a write not yet
	// visible. Closing such a branch right away would have allowed a stale read.
	Inconsistencies uint64
}

type metrics struct {
	received        atomic.Uint64
	closed          atomic.Uint64
	scanClosed      atomic.Uint64
	skipped         atomic.Uint64
	retried         atomic.Uint64
	inconsistencies atomic.Uint64

	pendingDesc           *prometheus.Desc
	pendingLen            func() int
	receivedTotal         prometheus.Counter
	closuresTotal         *prometheus.CounterVec
	decisionsTotal        *prometheus.CounterVec
	inconsistenciesTotal  prometheus.Counter
	scanPassesTotal       *prometheus.CounterVec
	scanDurationHistogram prometheus.Histogram
}

func newMetrics(pendingLen func() int, scanBuckets []float64) *metrics {
	if len(scanBuckets) == 0 {
		scanBuckets = prometheus.DefBuckets
	}

	return &metrics{
		pendingLen: pendingLen,
		pendingDesc: prometheus.NewDesc(
			"rendezvous_monitor_pending_branches",
			"Number of branches waiting for their write to become visible.",
			nil, nil,
		),
		receivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_monitor_branches_received_total",
			Help: "Total number of branches pushed by the coordinator.",
		}),
		closuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_monitor_closures_total",
			Help: "Total number of branches closed, by the path which closed them.",
		}, []string{"path"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_monitor_error_decisions_total",
			Help: "Total number of classified errors, by decision.",
		}, []string{"decision"}),
		inconsistenciesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_monitor_inconsistencies_prevented_total",
			Help: "Total number of visibility checks which found a write not yet visible.",
		}),
		scanPassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_monitor_scan_passes_total",
			Help: "Total number of completed reconciliation passes, by backend tag.",
		}, []string{"tag"}),
		scanDurationHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rendezvous_monitor_scan_seconds",
			Help:    "The time spent scanning a single page of every backend.",
			Buckets: scanBuckets,
		}),
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.pendingDesc, prometheus.GaugeValue, float64(m.pendingLen()))
	m.receivedTotal.Collect(ch)
	m.closuresTotal.Collect(ch)
	m.decisionsTotal.Collect(ch)
	m.inconsistenciesTotal.Collect(ch)
	m.scanPassesTotal.Collect(ch)
	m.scanDurationHistogram.Collect(ch)
}

func (m *metrics) branchReceived() {
	m.received.Add(1)
	m.receivedTotal.Inc()
}

func (m *metrics) branchClosed(path string) {
	if path == pathScan {
		m.scanClosed.Add(1)
	} else {
		m.closed.Add(1)
	}
	m.closuresTotal.WithLabelValues(path).Inc()
}

func (m *metrics) inconsistencyPrevented() {
	m.inconsistencies.Add(1)
	m.inconsistenciesTotal.Inc()
}

func (m *metrics) decision(d Decision) {
	switch d {
	case Retry:
		m.retried.Add(1)
	case Skip:
		m.skipped.Add(1)
	}
	m.decisionsTotal.WithLabelValues(d.String()).Inc()
}

func (m *metrics) scanPassCompleted(tag string) {
	m.scanPassesTotal.WithLabelValues(tag).Inc()
}

func (m *metrics) stats() Stats {
	return Stats{
		Received:        m.received.Load(),
		Closed:          m.closed.Load(),
		ScanClosed:      m.scanClosed.Load(),
		Skipped:         m.skipped.Load(),
		Retried:         m.retried.Load(),
		Inconsistencies: m.inconsistencies.Load(),
	}
}
