// Package bundles loads the bundle entitlement table: how many hours of
// network recording each product bundle grants. The table lives in the
// configuration validator's MySQL database.
package bundles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/divitel/kroket-quota/internal/quota"
)

// DefaultTable is the bundle table queried when none is configured.
const DefaultTable = "product_bundle"

// queryMaxElapsed bounds how long transient connection errors are retried.
const queryMaxElapsed = 30 * time.Second

// Config describes how to reach the bundle database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Table    string
	Timeout  time.Duration
}

// DSN renders cfg as a go-sql-driver/mysql data source name.
func DSN(cfg Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Database
	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
		mc.ReadTimeout = cfg.Timeout
	}
	return mc.FormatDSN()
}

// Store reads bundle entitlements from a SQL database.
type Store struct {
	db         *sql.DB
	query      string
	log        *slog.Logger
	newBackoff func() backoff.BackOff
}

// Open connects to the bundle database described by cfg.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open bundle database: %w", err)
	}
	// One query per run; keep the pool small.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s, err := New(db, cfg.Table, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.withRetry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to bundle database at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *sql.DB, table string, log *slog.Logger) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{
		db:         db,
		query:      "SELECT bundle_id, npvr FROM " + quoted, //nolint:gosec // G202: table name validated by quoteTable
		log:        log,
		newBackoff: newQueryBackoff,
	}, nil
}

func newQueryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = queryMaxElapsed
	return bo
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// quoteTable validates a table name, optionally schema-qualified, and
// backtick-quotes each part.
func quoteTable(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid bundle table name %q", name)
	}
	for i, p := range parts {
		if !identPattern.MatchString(p) {
			return "", fmt.Errorf("invalid bundle table name %q", name)
		}
		parts[i] = "`" + p + "`"
	}
	return strings.Join(parts, "."), nil
}

// Load reads every bundle row and returns the entitlement table in minutes.
// Repeated bundle IDs keep their largest quota; a NULL quota counts as zero.
// An empty result is reported as quota.ErrEmptyBundleTable.
func (s *Store) Load(ctx context.Context) (quota.BundleTable, error) {
	var hours map[int]int
	err := s.withRetry(ctx, func() error {
		var err error
		hours, err = s.queryHours(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load bundle entitlements: %w", err)
	}
	if len(hours) == 0 {
		return nil, fmt.Errorf("%w: bundle query returned no rows", quota.ErrEmptyBundleTable)
	}

	table := quota.BundleTableFromHours(hours)
	s.log.Info("loaded bundle entitlements", "bundles", len(table))
	return table, nil
}

func (s *Store) queryHours(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	hours := make(map[int]int)
	for rows.Next() {
		var (
			id  int
			npr sql.NullInt64
		)
		if err := rows.Scan(&id, &npr); err != nil {
			return nil, fmt.Errorf("scan bundle row: %w", err)
		}
		h := int(npr.Int64)
		if cur, ok := hours[id]; !ok || h > cur {
			hours[id] = h
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hours, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry retries op while it fails with a transient connection error.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			s.log.Warn("transient bundle database error, retrying", "err", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(s.newBackoff(), ctx))
}

// isRetryableError reports whether err looks like a transient connection
// failure rather than a query or data problem.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection", // MySQL 2013
		"gone away",       // MySQL 2006
		"i/o timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
