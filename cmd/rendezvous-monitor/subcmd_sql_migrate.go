package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/sqlstore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

const (
	sqlMigrateCmdName = "sql-migrate"
	timeFmt           = "2006-01-02T15:04:05"
)

var errNoSQLBackends = errors.New("no mysql or postgres backend configured")

type sqlMigrateSubcommand struct {
	w      io.Writer
	dryRun bool
}

func newSQLMigrateSubcommand(writer io.Writer) *sqlMigrateSubcommand {
	return &sqlMigrateSubcommand{w: writer}
}

func (cmd *sqlMigrateSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(sqlMigrateCmdName, flag.ExitOnError)
	flags.BoolVar(&cmd.dryRun, "dry-run", false, "only list the migrations which would be applied")
	return flags
}

func (cmd *sqlMigrateSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlMigrateCmdName

	backends := conf.SQLBackends()
	if len(backends) == 0 {
		return errNoSQLBackends
	}

	for _, b := range backends {
		if err := cmd.migrate(subCmd, b); err != nil {
			return fmt.Errorf("backend %q: %w", b.Tag, err)
		}
	}

	return nil
}

func (cmd *sqlMigrateSubcommand) migrate(subCmd string, b *config.Backend) error {
	dialect := sqlDialect(b.Type)

	ctx, cancel := context.WithTimeout(context.Background(), b.SQL.ConnectTimeout.Duration())
	defer cancel()

	db, err := sqlstore.OpenDB(ctx, dialect, *b.SQL)
	if err != nil {
		return err
	}
	defer db.Close()

	planned, err := sqlstore.PlanMigrations(db, dialect, b.SQL.Table)
	if err != nil {
		return fmt.Errorf("plan migrations: %w", err)
	}

	if len(planned) == 0 {
		fmt.Fprintf(cmd.w, "%s: backend %q: all migrations are up\n", subCmd, b.Tag)
		return nil
	}

	fmt.Fprintf(cmd.w, "%s: backend %q: migrations to apply: %d\n", subCmd, b.Tag, len(planned))
	for _, mig := range planned {
		fmt.Fprintf(cmd.w, "=  %v\n", mig.Id)
	}

	if cmd.dryRun {
		return nil
	}

	start := time.Now()
	n, err := sqlstore.Migrate(db, dialect, b.SQL.Table)
	if err != nil {
		return fmt.Errorf("%s: fail: %w", time.Now().Format(timeFmt), err)
	}

	fmt.Fprintf(cmd.w, "%s: backend %q: OK (applied %d migrations in %s)\n", subCmd, b.Tag, n, time.Since(start))
	return nil
}
