// Package sqlstore implements the backend adapter for relational databases.
// Branch metadata is a table with one row per open branch.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

// Dialect selects the SQL flavour spoken to the database.
type Dialect string

const (
	// MySQL uses the go-sql-driver/mysql driver.
	MySQL Dialect = "mysql"
	// Postgres uses the lib/pq driver.
	Postgres Dialect = "postgres"
)

// QuoteIdentifier quotes a table name for use in a statement.
func (d Dialect) QuoteIdentifier(name string) string {
	if d == Postgres {
		return pq.QuoteIdentifier(name)
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d Dialect) findQuery(table string) string {
	if d == Postgres {
		return fmt.Sprintf("SELECT bid FROM %s WHERE bid = $1 LIMIT 1", d.QuoteIdentifier(table))
	}
	return fmt.Sprintf("SELECT bid FROM %s WHERE bid = ? LIMIT 1", d.QuoteIdentifier(table))
}

func (d Dialect) scanQuery(table string) string {
	if d == Postgres {
		return fmt.Sprintf(`SELECT bid, obj_key, ts FROM %s WHERE ts >= NOW() - $1 * INTERVAL '1 second' ORDER BY ts LIMIT $3 OFFSET $2`,
			d.QuoteIdentifier(table))
	}
	return fmt.Sprintf("SELECT bid, obj_key, ts FROM %s WHERE ts >= NOW() - INTERVAL ? SECOND ORDER BY ts LIMIT ?, ?",
		d.QuoteIdentifier(table))
}

// Querier is an abstraction on *sql.DB that allows to use its methods without awareness about actual type.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error
}

// Config holds the parameters of a Store.
type Config struct {
	Dialect  Dialect
	Table    string
	Validity time.Duration
	PageSize int
}

// Store is a backend.Adapter backed by a relational database.
type Store struct {
	db        Querier
	cfg       Config
	logger    logrus.FieldLogger
	findQuery string
	scanQuery string
}

// OpenDB opens a database handle for the backend and verifies it is reachable.
func OpenDB(ctx context.Context, dialect Dialect, cfg config.SQL) (*sql.DB, error) {
	dsn := cfg.ToMySQLDSN()
	if dialect == Postgres {
		dsn = cfg.ToPQString()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return db, nil
}

// New returns a Store reading the metadata table through db.
func New(logger logrus.FieldLogger, db Querier, cfg Config) *Store {
	return &Store{
		db:        db,
		cfg:       cfg,
		logger:    logger.WithField("backend", string(cfg.Dialect)),
		findQuery: cfg.Dialect.findQuery(cfg.Table),
		scanQuery: cfg.Dialect.scanQuery(cfg.Table),
	}
}

// FindVisible reports whether the metadata row of bid exists.
func (s *Store) FindVisible(ctx context.Context, bid string) (bool, error) {
	var found string
	if err := s.db.QueryRowContext(ctx, s.findQuery, bid).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, wrapError("find metadata", err)
	}

	return true, nil
}

// ScanPending reads one page of metadata rows ordered by timestamp. The
// cursor is the row offset. A short page completes the pass and resets the
// offset, so rows inserted out of timestamp order behind the offset are only
// picked up by the next pass.
func (s *Store) ScanPending(ctx context.Context, cursor backend.Cursor) ([]backend.MetadataRecord, backend.Cursor, error) {
	var offset int
	if cursor != backend.StartCursor {
		var err error
		if offset, err = strconv.Atoi(string(cursor)); err != nil || offset < 0 {
			return nil, backend.StartCursor, fmt.Errorf("invalid cursor %q", cursor)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.scanQuery, int64(s.cfg.Validity.Seconds()), offset, s.cfg.PageSize)
	if err != nil {
		return nil, cursor, wrapError("scan metadata", err)
	}
	defer rows.Close()

	var records []backend.MetadataRecord
	read := 0
	for rows.Next() {
		var record backend.MetadataRecord
		var objectKey sql.NullString
		if err := rows.Scan(&record.BID, &objectKey, &record.Timestamp); err != nil {
			return nil, cursor, fmt.Errorf("scan metadata row: %w", err)
		}
		read++

		record.ObjectKey = objectKey.String
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, cursor, wrapError("scan metadata", err)
	}

	if read < s.cfg.PageSize {
		return records, backend.StartCursor, nil
	}

	return records, backend.Cursor(strconv.Itoa(offset + read)), nil
}

// Check pings the database.
func (s *Store) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func wrapError(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if isRetryableError(err) {
		return backend.Unavailable(wrapped)
	}
	return wrapped
}

// retryableMySQLErrors are server error numbers caused by load or restarts.
var retryableMySQLErrors = map[uint16]struct{}{
	1040: {}, // too many connections
	1053: {}, // server shutdown in progress
	1205: {}, // lock wait timeout
	1213: {}, // deadlock
}

// retryablePQClasses are SQLSTATE classes for connection and resource
// problems: connection exception, insufficient resources and operator
// intervention.
var retryablePQClasses = map[pq.ErrorClass]struct{}{
	"08": {},
	"53": {},
	"57": {},
}

var retryableMessages = []string{
	"driver: bad connection",
	"invalid connection",
	"broken pipe",
	"connection reset",
	"connection refused",
	"lost connection",
	"gone away",
	"i/o timeout",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, ok := retryableMySQLErrors[myErr.Number]
		return ok
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		_, ok := retryablePQClasses[pqErr.Code.Class()]
		return ok
	}

	errStr := strings.ToLower(err.Error())
	for _, msg := range retryableMessages {
		if strings.Contains(errStr, msg) {
			return true
		}
	}

	return false
}
