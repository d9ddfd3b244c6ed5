// Command rendezvous-monitor closes rendezvous branches once the writes they
// stand for are visible in the configured storage backends.
//
// Additionally, rendezvous-monitor has subcommands for common tasks:
//
// Check
//
// The subcommand "check" dials the coordinator, verifies that every
// configured backend is reachable and that the local clock is in sync:
//
//     rendezvous-monitor -config PATH_TO_CONFIG check [-ntp-host HOST] [-clock-drift DURATION]
//
// SQL Migrate
//
// The subcommand "sql-migrate" creates the metadata table of every mysql and
// postgres backend:
//
//     rendezvous-monitor -config PATH_TO_CONFIG sql-migrate [-dry-run]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config/sentry"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/log"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/monitor"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/rendezvous"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/version"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile        = errors.New("the config flag must be passed")
	errGracefulStopTimeout = errors.New("monitor did not stop within the graceful stop timeout")
)

const progname = "rendezvous-monitor"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig(*flagConfig)
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level)

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	closeTracing := configure(conf)
	defer closeTracing()

	logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	if err := run(conf, prometheus.DefaultRegisterer); err != nil {
		sentry.Fatal(err)
		closeTracing()
		logger.WithError(err).Fatal("monitor exited")
	}
}

func initConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errNoConfigFile
	}

	conf, err := config.FromFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("error reading config file: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) func() {
	log.RedirectGrpcLogger()

	tracingCloser := config.ConfigureTracing()

	if conf.PrometheusListenAddr != "" {
		conf.Prometheus.Configure()
	}

	sentry.ConfigureSentry(version.GetVersion(), conf.Sentry)

	return func() {
		if err := tracingCloser.Close(); err != nil {
			logger.WithError(err).Warn("closing tracer")
		}
	}
}

func run(conf config.Config, promreg prometheus.Registerer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backends, err := openBackends(ctx, logger, conf)
	if err != nil {
		return err
	}
	defer backends.Close()

	conn, err := rendezvous.Dial(ctx, logger.WithField("component", "rendezvous_client"), conf.Rendezvous.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	m, err := monitor.New(logger, rendezvous.NewClient(conn, conf.Rendezvous.RPCTimeout.Duration()), backends.registry, monitor.ConfigFromFile(conf))
	if err != nil {
		return err
	}
	promreg.MustRegister(m)

	if conf.PrometheusListenAddr != "" {
		if err := startMonitoring(conf.PrometheusListenAddr); err != nil {
			return err
		}
	}

	m.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- m.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	logger.Info("received signal, stopping monitor")

	timer := time.NewTimer(conf.GracefulStopTimeout.Duration())
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			stats := m.Stats()
			logger.WithField("closed", stats.Closed).
				WithField("scan_closed", stats.ScanClosed).
				WithField("inconsistencies_prevented", stats.Inconsistencies).
				Info("monitor stopped")
		}
		return err
	case <-timer.C:
		return errGracefulStopTimeout
	}
}

func startMonitoring(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("prometheus listener: %w", err)
	}

	logger.WithField("address", addr).Info("Starting prometheus listener")

	go func() {
		if err := monitoring.Start(
			monitoring.WithListener(l),
			monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
			logger.WithError(err).Errorf("Unable to start prometheus listener: %v", addr)
		}
	}()

	return nil
}
