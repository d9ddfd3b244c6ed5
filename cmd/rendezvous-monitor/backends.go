package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/cachestore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/dynamostore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/s3store"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/sqlstore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

// backendSet holds the adapters built from the configuration together with
// the connections they own.
type backendSet struct {
	registry *backend.Registry
	checkers map[string]backend.Checker
	closers  []io.Closer
	logger   logrus.FieldLogger
}

// openBackends connects to every configured backend. On error the
// connections opened so far are closed.
func openBackends(ctx context.Context, logger logrus.FieldLogger, conf config.Config) (_ *backendSet, returnedErr error) {
	set := &backendSet{
		registry: backend.NewRegistry(),
		checkers: make(map[string]backend.Checker),
		logger:   logger,
	}
	defer func() {
		if returnedErr != nil {
			set.Close()
		}
	}()

	validity := conf.MetadataValidity.Duration()
	pageSize := conf.Scan.PageSize

	for _, b := range conf.Backends {
		blogger := logger.WithFields(logrus.Fields{"tag": b.Tag, "type": string(b.Type)})

		var adapter interface {
			backend.Adapter
			backend.Checker
		}

		switch b.Type {
		case config.BackendRedis:
			client := cachestore.NewClient(*b.Redis)
			set.closers = append(set.closers, client)
			adapter = cachestore.New(blogger, client, cachestore.Config{
				Prefix:   b.Redis.Prefix,
				Validity: validity,
				PageSize: pageSize,
			})
		case config.BackendDynamoDB:
			api, err := dynamostore.NewClient(*b.DynamoDB)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", b.Tag, err)
			}
			adapter = dynamostore.New(blogger, api, dynamostore.FromConfig(*b.DynamoDB, validity, pageSize))
		case config.BackendMySQL, config.BackendPostgres:
			dialect := sqlDialect(b.Type)

			openCtx, cancel := context.WithTimeout(ctx, b.SQL.ConnectTimeout.Duration())
			db, err := sqlstore.OpenDB(openCtx, dialect, *b.SQL)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", b.Tag, err)
			}
			set.closers = append(set.closers, db)

			adapter = sqlstore.New(blogger, db, sqlstore.Config{
				Dialect:  dialect,
				Table:    b.SQL.Table,
				Validity: validity,
				PageSize: pageSize,
			})
		case config.BackendS3:
			api, err := s3store.NewClient(*b.S3)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", b.Tag, err)
			}
			adapter = s3store.New(blogger, api, s3store.FromConfig(*b.S3, validity, pageSize))
		default:
			return nil, fmt.Errorf("backend %q: unknown type %q", b.Tag, b.Type)
		}

		set.registry.Register(b.Tag, adapter)
		set.checkers[b.Tag] = adapter
		blogger.Info("backend configured")
	}

	return set, nil
}

func sqlDialect(t config.BackendType) sqlstore.Dialect {
	if t == config.BackendPostgres {
		return sqlstore.Postgres
	}
	return sqlstore.MySQL
}

// Close releases every connection of the set.
func (s *backendSet) Close() {
	for _, closer := range s.closers {
		if err := closer.Close(); err != nil {
			s.logger.WithError(err).Error("closing backend connection")
		}
	}
	s.closers = nil
}
