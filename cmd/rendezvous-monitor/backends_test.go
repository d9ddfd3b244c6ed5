package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/cachestore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/dynamostore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/s3store"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend/sqlstore"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/testhelper"
)

func TestOpenBackends(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf, err := config.FromBytes([]byte(`
service = "checkout"
region = "eu"

[[backend]]
type = "redis"
[backend.redis]
address = "127.0.0.1:6379"

[[backend]]
tag = "orders"
type = "dynamodb"
[backend.dynamodb]
endpoint = "http://127.0.0.1:8000"
client_table = "orders"

[[backend]]
tag = "assets"
type = "s3"
[backend.s3]
bucket = "assets"
client_path = "objects"
`))
	require.NoError(t, err)

	set, err := openBackends(ctx, testhelper.NewDiscardingLogEntry(t), conf)
	require.NoError(t, err)
	defer set.Close()

	require.Equal(t, []string{"", "assets", "orders"}, set.registry.Tags())
	require.Len(t, set.checkers, 3)
	require.Len(t, set.closers, 1)

	adapter, err := set.registry.Get("")
	require.NoError(t, err)
	require.IsType(t, &cachestore.Store{}, adapter)

	adapter, err = set.registry.Get("orders")
	require.NoError(t, err)
	require.IsType(t, &dynamostore.Store{}, adapter)

	adapter, err = set.registry.Get("assets")
	require.NoError(t, err)
	require.IsType(t, &s3store.Store{}, adapter)

	// untagged branches of unknown tags fall back to the default backend
	adapter, err = set.registry.Get("unknown")
	require.NoError(t, err)
	require.IsType(t, &cachestore.Store{}, adapter)
}

func TestOpenBackends_unknownType(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf := config.Config{
		Backends: []*config.Backend{{Tag: "cache", Type: "memcached"}},
	}

	_, err := openBackends(ctx, testhelper.NewDiscardingLogEntry(t), conf)
	require.EqualError(t, err, `backend "cache": unknown type "memcached"`)
}

func TestSQLDialect(t *testing.T) {
	require.Equal(t, sqlstore.MySQL, sqlDialect(config.BackendMySQL))
	require.Equal(t, sqlstore.Postgres, sqlDialect(config.BackendPostgres))
}
