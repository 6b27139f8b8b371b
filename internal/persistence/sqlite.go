package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/schema"
)

// iteratePageSize is how many rows Iterate reads per query. Rows are
// buffered a page at a time so callbacks may write to the same store.
const iteratePageSize = 256

// NewSQLite opens (creating and migrating as needed) the SQLite store at
// cfg.Path. The returned Persistence takes part in the lease protocol once
// started.
//
// Example:
//
//	cfg := persistence.DefaultConfig()
//	cfg.Backend = config.BackendSQLite
//	cfg.Path = ".docsync/docsync.db"
//	p, err := persistence.NewSQLite(cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Shutdown()
func NewSQLite(cfg Config) (*Persistence, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite persistence requires a path")
	}
	cfg.Backend = config.BackendSQLite
	b, err := openSQLite(context.Background(), cfg.Path, logging.For(cfg.Logger, logging.ComponentPersistence))
	if err != nil {
		return nil, err
	}
	p := newPersistence(cfg, b)
	p.lease = newLease(p)
	if cfg.SynchronizeClients {
		w, err := NewWatcher(cfg.Path, cfg.DebounceInterval)
		if err != nil {
			p.log.Warnw("storage change notifications unavailable", "error", err)
		} else {
			p.watcher = w
		}
	}
	return p, nil
}

type sqliteBackend struct {
	conn    *sql.DB
	path    string
	version int
	log     *zap.SugaredLogger
}

func openSQLite(ctx context.Context, path string, log *zap.SugaredLogger) (*sqliteBackend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Writers take the lock at BEGIN so that busy errors surface before any
	// work is done and can be retried as a whole.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(4)

	b := &sqliteBackend{conn: conn, path: path, log: log}
	if err := b.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// migrate brings the database to schema.CurrentVersion, one transaction
// per version. Every step re-reads user_version inside its transaction, so
// clients racing to open a fresh database apply each step once.
func (b *sqliteBackend) migrate(ctx context.Context) error {
	version, err := b.userVersion(ctx, b.conn)
	if err != nil {
		return err
	}
	if err := schema.ValidateVersion(version); err != nil {
		return errs.Wrap(err, errs.FailedPrecondition, "cannot open %s", b.path)
	}

	for _, v := range schema.Versions {
		if v.Number <= version {
			continue
		}
		if err := b.migrateTo(ctx, v); err != nil {
			return fmt.Errorf("failed to migrate to schema version %d: %w", v.Number, err)
		}
		b.log.Infow("migrated schema", "version", v.Number, "description", v.Description)
	}
	b.version = schema.CurrentVersion
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *sqliteBackend) userVersion(ctx context.Context, q querier) (int, error) {
	var version int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (b *sqliteBackend) migrateTo(ctx context.Context, v schema.Version) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := b.userVersion(ctx, tx)
	if err != nil {
		return err
	}
	if current >= v.Number {
		return nil
	}
	for _, name := range v.Stores {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB) WITHOUT ROWID`, quote(name))); err != nil {
			return fmt.Errorf("failed to create store %s: %w", name, err)
		}
	}
	if migration := dataMigrations[v.Number]; migration != nil && current > 0 {
		if err := migration(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v.Number)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return mapError(tx.Commit())
}

func (b *sqliteBackend) begin(ctx context.Context, readOnly bool) (backendTx, error) {
	tx, err := b.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return nil, mapError(err)
	}
	return &sqliteTx{ctx: ctx, tx: tx}, nil
}

func (b *sqliteBackend) schemaVersion() int { return b.version }

// close checkpoints the WAL so the database file is complete on its own.
func (b *sqliteBackend) close() error {
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		b.log.Warnw("failed to checkpoint WAL", "error", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) store(name string) (Store, error) {
	if !schema.IsStore(name) {
		return nil, fmt.Errorf("unknown store %q", name)
	}
	return &sqliteStore{tx: t, table: quote(name)}, nil
}

func (t *sqliteTx) commit() error { return mapError(t.tx.Commit()) }

func (t *sqliteTx) rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type sqliteStore struct {
	tx    *sqliteTx
	table string
}

func (s *sqliteStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.tx.tx.QueryRowContext(s.tx.ctx, "SELECT value FROM "+s.table+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *sqliteStore) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.tx.tx.ExecContext(s.tx.ctx, "INSERT OR REPLACE INTO "+s.table+" (key, value) VALUES (?, ?)", key, value)
	return mapError(err)
}

func (s *sqliteStore) Delete(key []byte) error {
	_, err := s.tx.tx.ExecContext(s.tx.ctx, "DELETE FROM "+s.table+" WHERE key = ?", key)
	return mapError(err)
}

func (s *sqliteStore) DeleteRange(r Range) error {
	if r.IsEmpty() {
		return nil
	}
	where, args := rangeClause(r)
	_, err := s.tx.tx.ExecContext(s.tx.ctx, "DELETE FROM "+s.table+where, args...)
	return mapError(err)
}

func (s *sqliteStore) Count(r Range) (int, error) {
	if r.IsEmpty() {
		return 0, nil
	}
	where, args := rangeClause(r)
	var n int
	if err := s.tx.tx.QueryRowContext(s.tx.ctx, "SELECT COUNT(*) FROM "+s.table+where, args...).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

type row struct {
	key, value []byte
}

func (s *sqliteStore) Iterate(r Range, reverse bool, fn func(key, value []byte) error) error {
	for !r.IsEmpty() {
		page, err := s.page(r, reverse)
		if err != nil {
			return err
		}
		for _, rw := range page {
			if err := fn(rw.key, rw.value); err != nil {
				return stopped(err)
			}
		}
		if len(page) < iteratePageSize {
			return nil
		}
		last := page[len(page)-1].key
		if reverse {
			r.End = last
		} else {
			r.Start = append(append([]byte(nil), last...), 0)
		}
	}
	return nil
}

func (s *sqliteStore) page(r Range, reverse bool) ([]row, error) {
	where, args := rangeClause(r)
	order := " ORDER BY key ASC"
	if reverse {
		order = " ORDER BY key DESC"
	}
	rows, err := s.tx.tx.QueryContext(s.tx.ctx,
		"SELECT key, value FROM "+s.table+where+order+fmt.Sprintf(" LIMIT %d", iteratePageSize), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if v == nil {
			v = []byte{}
		}
		out = append(out, row{key: k, value: v})
	}
	return out, mapError(rows.Err())
}

// rangeClause renders r as a WHERE clause. BLOBs compare bytewise in
// SQLite, which matches the key order of the memory backend.
func rangeClause(r Range) (string, []any) {
	var conds []string
	var args []any
	if len(r.Start) > 0 {
		conds = append(conds, "key >= ?")
		args = append(args, r.Start)
	}
	if r.End != nil {
		conds = append(conds, "key < ?")
		args = append(args, r.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// mapError marks lock contention as transient.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return errs.Abort(err)
	}
	return err
}
