package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/backendtest"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/dontpanic"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/helper"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/rendezvous"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/rendezvous/rendezvoustest"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/testhelper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

// waitReady blocks until conn has established its transport, so that the
// transport's goroutines exist before goroutines are snapshotted.
func waitReady(ctx context.Context, t *testing.T, conn *grpc.ClientConn) {
	t.Helper()

	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		require.True(t, conn.WaitForStateChange(ctx, state), "connection never became ready")
	}
}

func newRegistry(adapter backend.Adapter) *backend.Registry {
	registry := backend.NewRegistry()
	registry.Register(backend.DefaultTag, adapter)
	return registry
}

func TestMonitor(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(10 * time.Second))
	defer cancel()

	server := rendezvoustest.NewServer()
	conn := server.Start(t)
	waitReady(ctx, t, conn)

	adapter := backendtest.NewAdapter()
	adapter.SetVisible("b1", false, true)
	adapter.SetVisible("b2", true)
	adapter.SetVisible("b3", true)
	adapter.AddPage(record("b3"))

	cfg := testConfig()
	cfg.RecheckDelay = 10 * time.Millisecond
	cfg.ScanEnabled = true

	verifyNoGoroutines := testhelper.MustHaveNoGoroutines(t)

	m, err := New(testhelper.NewDiscardingLogEntry(t), rendezvous.NewClient(conn, time.Second), newRegistry(adapter), cfg)
	require.NoError(t, err)

	ticker := helper.NewManualTicker()
	m.newTicker = func(interval time.Duration) helper.Ticker {
		require.Equal(t, time.Second, interval)
		return ticker
	}

	m.Start(ctx)

	require.NoError(t, server.WaitForSubscribers(ctx, 1))
	server.Publish(rendezvous.Branch{BID: "b1"}, rendezvous.Branch{BID: "b2"})

	require.NoError(t, server.WaitForClosed(ctx, "b1"))
	require.NoError(t, server.WaitForClosed(ctx, "b2"))

	ticker.Tick()
	require.NoError(t, server.WaitForClosed(ctx, "b3"))

	testhelper.Eventually(t, 5*time.Second, func() bool {
		stats := m.Stats()
		return stats.Closed == 2 && stats.ScanClosed == 1
	})
	require.Equal(t, 0, m.Pending())

	stats := m.Stats()
	require.Equal(t, uint64(2), stats.Received)
	require.Equal(t, uint64(1), stats.Inconsistencies)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "stopping twice")

	verifyNoGoroutines()

	require.Equal(t, []rendezvous.CloseBranchRequest{
		{BID: "b1", Region: "eu-central-1"},
		{BID: "b2", Region: "eu-central-1"},
		{BID: "b3", Region: "eu-central-1"},
	}, sortedClosed(server.Closed()))
}

func sortedClosed(closed []rendezvous.CloseBranchRequest) []rendezvous.CloseBranchRequest {
	for i := 1; i < len(closed); i++ {
		for j := i; j > 0 && closed[j].BID < closed[j-1].BID; j-- {
			closed[j], closed[j-1] = closed[j-1], closed[j]
		}
	}
	return closed
}

func TestMonitor_stopsOnContextCancellation(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(10 * time.Second))
	defer cancel()

	server, client := startCoordinator(t)

	cfg := testConfig()
	cfg.ScanEnabled = true

	m, err := New(testhelper.NewDiscardingLogEntry(t), client, newRegistry(backendtest.NewAdapter()), cfg)
	require.NoError(t, err)

	runCtx, stop := testhelper.Context()
	done := make(chan error)
	go func() { done <- m.Run(runCtx) }()

	require.NoError(t, server.WaitForSubscribers(ctx, 1))

	stop()
	require.NoError(t, <-done)
}

func TestMonitor_fatalError(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(10 * time.Second))
	defer cancel()

	server, client := startCoordinator(t)
	server.FailCloseBranch(status.Error(codes.Internal, "corrupted state"))

	adapter := backendtest.NewAdapter()
	adapter.SetVisible("b1", true)

	m, err := New(testhelper.NewDiscardingLogEntry(t), client, newRegistry(adapter), testConfig())
	require.NoError(t, err)

	m.Start(ctx)

	require.NoError(t, server.WaitForSubscribers(ctx, 1))
	server.Publish(rendezvous.Branch{BID: "b1"})

	err = m.Wait()
	require.True(t, errors.Is(err, ErrFatal), "unexpected error: %v", err)
	require.Empty(t, server.Closed())
}

type panickingCloser struct {
	*rendezvous.Client
}

func (panickingCloser) CloseBranch(context.Context, string, string) error {
	panic("closer exploded")
}

func TestMonitor_panicIsFatal(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(10 * time.Second))
	defer cancel()

	server, client := startCoordinator(t)

	adapter := backendtest.NewAdapter()
	adapter.SetVisible("b1", true)

	m, err := New(testhelper.NewDiscardingLogEntry(t), panickingCloser{client}, newRegistry(adapter), testConfig())
	require.NoError(t, err)

	m.Start(ctx)

	require.NoError(t, server.WaitForSubscribers(ctx, 1))
	server.Publish(rendezvous.Branch{BID: "b1"})

	err = m.Wait()
	require.True(t, errors.Is(err, ErrFatal), "unexpected error: %v", err)
	require.Contains(t, err.Error(), dontpanic.PanicError{Recovered: "closer exploded"}.Error())
}

func TestNew_noAdapters(t *testing.T) {
	_, client := startCoordinator(t)
	logger := testhelper.NewDiscardingLogEntry(t)

	_, err := New(logger, client, backend.NewRegistry(), testConfig())
	require.Equal(t, errNoAdapters, err)

	cfg := testConfig()
	cfg.ConsistencyChecks = false
	cfg.ScanEnabled = false

	_, err = New(logger, client, backend.NewRegistry(), cfg)
	require.NoError(t, err)
}

func TestMonitor_stopWithoutStart(t *testing.T) {
	_, client := startCoordinator(t)

	m, err := New(testhelper.NewDiscardingLogEntry(t), client, newRegistry(backendtest.NewAdapter()), testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Wait())
}

func TestMonitor_metrics(t *testing.T) {
	_, client := startCoordinator(t)

	m, err := New(testhelper.NewDiscardingLogEntry(t), client, newRegistry(backendtest.NewAdapter()), testConfig())
	require.NoError(t, err)

	m.pending.Add(BranchKey{BID: "b1"}, BranchKey{BID: "b2"})
	m.metrics.branchClosed(pathScan)

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(m))

	families, err := registry.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, float64(2), values["rendezvous_monitor_pending_branches"])
	require.Equal(t, float64(1), values["rendezvous_monitor_closures_total"])
	require.Contains(t, values, "rendezvous_monitor_branches_received_total")
}

func TestConfigFromFile(t *testing.T) {
	cfg, err := config.FromBytes([]byte(`
service = "checkout"
region = "us"
metadata_validity = "60s"

[rendezvous]
server_unavailable_retry = "3s"

[scan]
known_closed_size = 50
`))
	require.NoError(t, err)

	require.Equal(t, Config{
		Service:            "checkout",
		Region:             "us-east-1",
		ConsistencyChecks:  true,
		RecheckDelay:       2 * time.Second,
		RetryDelay:         3 * time.Second,
		BackendTimeout:     30 * time.Second,
		ScanEnabled:        true,
		ScanInterval:       15 * time.Second,
		KnownClosedSize:    50,
		ScanLatencyBuckets: prometheus.DefBuckets,
	}, ConfigFromFile(cfg))
}
