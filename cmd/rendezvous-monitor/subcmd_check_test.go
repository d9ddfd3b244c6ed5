package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

func TestCheckSubcommand(t *testing.T) {
	passing := func(context.Context) error { return nil }
	failing := func(context.Context) error { return errors.New("connection refused") }

	for _, tc := range []struct {
		desc           string
		checks         []check
		expectedErr    error
		expectedOutput []string
	}{
		{
			desc: "all checks pass",
			checks: []check{
				{name: "coordinator", target: "127.0.0.1:8001", fatal: true, run: passing},
				{name: `backend ""`, target: "redis", fatal: true, run: passing},
			},
			expectedOutput: []string{"CHECK", "coordinator", "127.0.0.1:8001", "passed", "All checks passed."},
		},
		{
			desc: "non fatal failure",
			checks: []check{
				{name: "coordinator", fatal: true, run: passing},
				{name: "clock", run: failing},
			},
			expectedOutput: []string{"warning", "connection refused", "1 check(s) failed, but none are fatal."},
		},
		{
			desc: "fatal failure",
			checks: []check{
				{name: "coordinator", fatal: true, run: failing},
				{name: "clock", run: failing},
			},
			expectedErr:    errChecksFailed,
			expectedOutput: []string{"failed", "2 check(s) failed, at least one was fatal."},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			var cleanedUp bool
			var stdout bytes.Buffer

			cmd := newCheckSubcommand(&stdout, func(config.Config, checkOptions) ([]check, func(), error) {
				return tc.checks, func() { cleanedUp = true }, nil
			})

			err := cmd.Exec(flag.NewFlagSet("", flag.PanicOnError), config.Config{})
			require.Equal(t, tc.expectedErr, err)
			require.True(t, cleanedUp)

			for _, out := range tc.expectedOutput {
				require.Contains(t, stdout.String(), out)
			}
		})
	}
}

func TestCheckSubcommand_timeout(t *testing.T) {
	var stdout bytes.Buffer

	cmd := newCheckSubcommand(&stdout, func(config.Config, checkOptions) ([]check, func(), error) {
		return []check{{
			name:  "coordinator",
			fatal: true,
			run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}}, func() {}, nil
	})

	flags := cmd.FlagSet()
	require.NoError(t, flags.Parse([]string{"-timeout", "10ms"}))
	require.Equal(t, 10*time.Millisecond, cmd.opts.timeout)

	require.Equal(t, errChecksFailed, cmd.Exec(flags, config.Config{}))
	require.Contains(t, stdout.String(), context.DeadlineExceeded.Error())
}

func TestSQLMigrateSubcommand_noSQLBackends(t *testing.T) {
	var stdout bytes.Buffer

	cmd := newSQLMigrateSubcommand(&stdout)
	err := cmd.Exec(cmd.FlagSet(), config.Config{
		Backends: []*config.Backend{{Type: config.BackendRedis}},
	})
	require.Equal(t, errNoSQLBackends, err)
	require.Empty(t, stdout.String())
}
