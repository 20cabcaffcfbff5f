// Package db implements store.Store on database/sql for sqlite3 and postgres.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/store"
)

// Dialect is the SQL flavour behind a connection.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", name)
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(ns sql.NullString, out any) error {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

// errTargetCheck marks a violation of the validations target CHECK constraint.
var errTargetCheck = errors.New("validation target check")

// mapError folds driver errors onto the store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case se.ExtendedCode == sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %v", errTargetCheck, err)
		case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", store.ErrNotFound, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505":
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case "23514":
			return fmt.Errorf("%w: %v", errTargetCheck, err)
		case "23503":
			return fmt.Errorf("%w: %v", store.ErrNotFound, err)
		case "40001", "40P01", "55P03", "57P01":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		if pe.Code.Class() == "08" {
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

// Store is a store.Store over a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an open database. For sqlite it applies the connection pragmas.
func NewStore(db *sql.DB, d Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if d == SQLite {
		// a single connection keeps the pragmas and serializes writers
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		}
		for _, stmt := range pragmas {
			if _, err := db.Exec(stmt); err != nil {
				return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
			}
		}
	}
	return &Store{db: db, dialect: d}, nil
}

// Options tunes Open.
type Options struct {
	MigrationsDir   string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingAttempts    uint64
}

// Open connects, retrying the initial ping with exponential backoff, then
// runs migrations.
func Open(ctx context.Context, log *zap.Logger, d Dialect, dsn string, opts Options) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if d == SQLite && !strings.Contains(dsn, "_txlock") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if opts.PingAttempts == 0 {
		opts.PingAttempts = 5
	}
	attempt := 0
	ping := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			log.Warn("database ping failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.PingAttempts-1), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempt, err)
	}
	if d == Postgres {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
			db.SetMaxIdleConns(opts.MaxOpenConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}
	s, err := NewStore(db, d)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := RunMigrations(ctx, db, d, opts.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database ready", zap.String("driver", string(d)))
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return mapError(s.db.PingContext(ctx)) }

func (s *Store) Atomic(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	return s.run(ctx, key, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, "", fn)
}

func (s *Store) run(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if key != "" && s.dialect == Postgres {
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("advisory lock: %w", mapError(err))
		}
	}
	if err := fn(&tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// exec runs a write. On postgres the statement is wrapped in a savepoint so a
// constraint violation leaves the transaction usable, as it does on sqlite.
func (t *tx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	q = t.dialect.rebind(q)
	if t.dialect != Postgres {
		res, err := t.tx.ExecContext(ctx, q, args...)
		return res, mapError(err)
	}
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT elicit_write"); err != nil {
		return nil, mapError(err)
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		if _, rerr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT elicit_write"); rerr != nil {
			return nil, mapError(rerr)
		}
		return nil, mapError(err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT elicit_write"); err != nil {
		return nil, mapError(err)
	}
	return res, nil
}

// update runs a write that must touch a row.
func (t *tx) update(ctx context.Context, q string, args ...any) error {
	res, err := t.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.rebind(q), args...)
	return rows, mapError(err)
}

func (t *tx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(q), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

// collect scans every row with scan.
func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, mapError(rows.Err())
}

// one scans a single row, mapping sql.ErrNoRows to store.ErrNotFound.
func one[T any](row *sql.Row, scan func(scanner) (*T, error)) (*T, error) {
	v, err := scan(row)
	if err != nil {
		return nil, mapError(err)
	}
	return v, nil
}
