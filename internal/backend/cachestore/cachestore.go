// Package cachestore implements the backend adapter for redis, where every
// open branch is tracked as a JSON metadata document under <prefix>:<bid>.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

// Config holds the parameters of a Store.
type Config struct {
	// Prefix is prepended to the bid to build the metadata key.
	Prefix string
	// Validity is the consistency window. Older metadata is skipped by scans.
	Validity time.Duration
	// PageSize is the COUNT hint passed to SCAN.
	PageSize int
}

// Store is a backend.Adapter backed by redis.
type Store struct {
	client redis.Cmdable
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewClient creates the redis client described by the configuration.
func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout.Duration(),
		ReadTimeout: cfg.ReadTimeout.Duration(),
	})
}

// New returns a Store using client.
func New(logger logrus.FieldLogger, client redis.Cmdable, cfg Config) *Store {
	return &Store{
		client: client,
		cfg:    cfg,
		logger: logger.WithField("backend", "redis"),
		now:    time.Now,
	}
}

func (s *Store) key(bid string) string {
	return s.cfg.Prefix + ":" + bid
}

func (s *Store) pattern() string {
	return s.cfg.Prefix + ":*"
}

// FindVisible reports whether the metadata key of bid exists.
func (s *Store) FindVisible(ctx context.Context, bid string) (bool, error) {
	if _, err := s.client.Get(ctx, s.key(bid)).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, backend.Unavailable(fmt.Errorf("get %q: %w", s.key(bid), err))
	}

	return true, nil
}

// ScanPending runs one SCAN iteration over the metadata keys and fetches
// their documents in a single pipeline. The cursor wraps to the start once
// redis reports cursor 0.
func (s *Store) ScanPending(ctx context.Context, cursor backend.Cursor) ([]backend.MetadataRecord, backend.Cursor, error) {
	var position uint64
	if cursor != backend.StartCursor {
		var err error
		if position, err = strconv.ParseUint(string(cursor), 10, 64); err != nil {
			return nil, backend.StartCursor, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
	}

	keys, next, err := s.client.Scan(ctx, position, s.pattern(), int64(s.cfg.PageSize)).Result()
	if err != nil {
		return nil, cursor, backend.Unavailable(fmt.Errorf("scan: %w", err))
	}

	records, err := s.fetch(ctx, keys)
	if err != nil {
		return nil, cursor, err
	}

	if next == 0 {
		return records, backend.StartCursor, nil
	}

	return records, backend.Cursor(strconv.FormatUint(next, 10)), nil
}

func (s *Store) fetch(ctx context.Context, keys []string) ([]backend.MetadataRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Get(ctx, key)
		}
		return nil
	})
	// Keys may expire between SCAN and GET, which surfaces as redis.Nil.
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, backend.Unavailable(fmt.Errorf("get metadata: %w", err))
	}

	windowStart := backend.WindowStart(s.now(), s.cfg.Validity)

	records := make([]backend.MetadataRecord, 0, len(cmds))
	for i, cmd := range cmds {
		value, err := cmd.(*redis.StringCmd).Result()
		if err != nil {
			continue
		}

		record, err := backend.DecodeMetadata([]byte(value))
		if err != nil {
			s.logger.WithError(err).WithField("key", keys[i]).Warn("skipping malformed metadata")
			continue
		}

		if !record.InWindow(windowStart) {
			continue
		}

		records = append(records, record)
	}

	return records, nil
}

// Check pings the server.
func (s *Store) Check(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
