package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/helper"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/rendezvous"
	"google.golang.org/grpc"
)

const checkCmdName = "check"

var errChecksFailed = errors.New("checks failed")

// check is a single startup check. Fatal checks make the subcommand fail.
type check struct {
	name   string
	target string
	fatal  bool
	run    func(ctx context.Context) error
}

type checkOptions struct {
	timeout    time.Duration
	ntpHost    string
	clockDrift time.Duration
}

type checkSubcommand struct {
	w         io.Writer
	opts      checkOptions
	checksFor func(config.Config, checkOptions) ([]check, func(), error)
}

func newCheckSubcommand(writer io.Writer, checksFor func(config.Config, checkOptions) ([]check, func(), error)) *checkSubcommand {
	return &checkSubcommand{w: writer, checksFor: checksFor}
}

func (cmd *checkSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(checkCmdName, flag.ExitOnError)
	fs.DurationVar(&cmd.opts.timeout, "timeout", 5*time.Second, "timeout of every single check")
	fs.StringVar(&cmd.opts.ntpHost, "ntp-host", helper.DefaultNTPHost, "NTP server used to check the clock")
	fs.DurationVar(&cmd.opts.clockDrift, "clock-drift", time.Second, "tolerated clock offset")
	fs.Usage = func() {
		_, _ = printfErr("Description:\n" +
			"	This command checks the connectivity to the coordinator and every backend.\n")
		fs.PrintDefaults()
	}

	return fs
}

func (cmd *checkSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if cmd.opts.timeout == 0 {
		cmd.opts.timeout = 5 * time.Second
	}

	checks, cleanup, err := cmd.checksFor(cfg, cmd.opts)
	if err != nil {
		return err
	}
	defer cleanup()

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Check", "Target", "Result", "Error"})
	table.SetAutoWrapText(false)

	var failed, fatal int
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), cmd.opts.timeout)
		err := c.run(ctx)
		cancel()

		result, message := "passed", ""
		if err != nil {
			failed++
			result, message = "failed", err.Error()
			if c.fatal {
				fatal++
			} else {
				result = "warning"
			}
		}

		table.Append([]string{c.name, c.target, result, message})
	}

	table.Render()
	fmt.Fprintf(cmd.w, "\n")

	switch {
	case fatal > 0:
		fmt.Fprintf(cmd.w, "%d check(s) failed, at least one was fatal.\n", failed)
		return errChecksFailed
	case failed > 0:
		fmt.Fprintf(cmd.w, "%d check(s) failed, but none are fatal.\n", failed)
	default:
		fmt.Fprintf(cmd.w, "All checks passed.\n")
	}

	return nil
}

// configuredChecks builds the checks for the coordinator, every configured
// backend and the local clock.
func configuredChecks(conf config.Config, opts checkOptions) ([]check, func(), error) {
	checks := []check{
		{
			name:   "coordinator",
			target: conf.Rendezvous.Address,
			fatal:  true,
			run: func(ctx context.Context) error {
				conn, err := rendezvous.Dial(ctx, logger, conf.Rendezvous.Address, grpc.WithBlock())
				if err != nil {
					return err
				}
				return conn.Close()
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	cleanup := func() {}

	backends, err := openBackends(ctx, logger, conf)
	if err != nil {
		checks = append(checks, check{
			name:  "backends",
			fatal: true,
			run:   func(context.Context) error { return err },
		})
	} else {
		cleanup = backends.Close

		for _, b := range conf.Backends {
			checks = append(checks, check{
				name:   fmt.Sprintf("backend %q", b.Tag),
				target: string(b.Type),
				fatal:  true,
				run:    backends.checkers[b.Tag].Check,
			})
		}
	}

	checks = append(checks, check{
		name:   "clock",
		target: opts.ntpHost,
		run: func(context.Context) error {
			drift, err := helper.ClockDrift(opts.ntpHost, opts.timeout)
			if err != nil {
				return err
			}
			if drift > opts.clockDrift {
				return fmt.Errorf("clock is off by %s, more than %s", drift, opts.clockDrift)
			}
			return nil
		},
	})

	return checks, cleanup, nil
}
