// Package metadb implements the Index: the relational manifest that is the
// single source of truth for every cached entry. It is backed by a single
// SQLite database file (manifest.sqlite, plus its -wal/-shm companions) and
// owns a bounded prepared-statement cache and a capped-backoff open/retry
// policy around that file.
package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wolfeidau/diskcache/internal/logutil"
	"github.com/wolfeidau/diskcache/telemetry"
)

// ErrUnavailable is returned by every query when the database is closed and
// either permanently degraded (8+ open failures) or still within its 2s
// backoff window since the last failure.
var ErrUnavailable = errors.New("metadb: unavailable")

const (
	manifestFileName = "manifest.sqlite"

	maxOpenFailures = 8
	openBackoff     = 2 * time.Second
	driverName      = "sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS manifest (
	key                TEXT PRIMARY KEY,
	filename           TEXT NOT NULL DEFAULT '',
	size               INTEGER NOT NULL DEFAULT 0,
	inline_data        BLOB,
	modification_time  INTEGER NOT NULL DEFAULT 0,
	last_access_time   INTEGER NOT NULL DEFAULT 0,
	extended_data      BLOB
);
CREATE INDEX IF NOT EXISTS last_access_time_idx ON manifest(last_access_time);
`

// Trash is the subset of filestore.Store that reset needs: moving data/
// aside and scheduling its deletion. Declared here (rather than imported)
// so metadb has no dependency on the filestore package.
type Trash interface {
	MoveAllToTrash() bool
	EmptyTrashAsync()
}

// DB is the Index: a SQLite-backed manifest with a prepared-statement cache
// and capped-backoff reopen policy. It is not safe for concurrent use; the
// engine presumes single-threaded access per instance (see package engine).
type DB struct {
	root   string
	trash  Trash
	logger *slog.Logger
	now    func() time.Time

	sqlDB *sql.DB
	open  bool

	failures    int
	lastFailure time.Time

	stmts map[string]*sql.Stmt
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) { d.logger = logger }
}

// WithNow overrides the time source, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open creates the manifest (if absent) under root and returns a ready DB.
// If that first open fails, Open calls Reset and fails only if the reset
// fails too. trash receives reset's MoveAllToTrash/EmptyTrashAsync calls.
func Open(root string, trash Trash, opts ...Option) (*DB, error) {
	d := &DB{
		root:   root,
		trash:  trash,
		logger: logutil.Default(),
		now:    time.Now,
		stmts:  make(map[string]*sql.Stmt),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.openLocked(); err != nil {
		d.logger.Warn("metadb: opening manifest failed, resetting", "error", err)
		if rerr := d.Reset(); rerr != nil {
			return nil, fmt.Errorf("metadb: %w", rerr)
		}
	}
	return d, nil
}

func (d *DB) manifestPath() string {
	return filepath.Join(d.root, manifestFileName)
}

// openLocked opens the SQLite file, bootstraps the schema, and sets the
// init pragmas. On success it clears the statement cache and the failure
// counters. On failure it records the failure time and increments the
// counter, per the capped-backoff policy check() enforces.
func (d *DB) openLocked() error {
	sqlDB, err := sql.Open(driverName, d.manifestPath())
	if err != nil {
		d.recordFailure()
		return fmt.Errorf("opening database: %w", err)
	}
	// The Index exclusively owns this handle; a single connection avoids
	// SQLITE_BUSY from the pool racing itself and matches the engine's
	// single-threaded-per-instance contract.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = sqlDB.Close()
		d.recordFailure()
		return fmt.Errorf("setting journal_mode: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA synchronous=normal;`); err != nil {
		_ = sqlDB.Close()
		d.recordFailure()
		return fmt.Errorf("setting synchronous: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		d.recordFailure()
		return fmt.Errorf("initializing schema: %w", err)
	}

	d.sqlDB = sqlDB
	d.stmts = make(map[string]*sql.Stmt)
	d.failures = 0
	d.lastFailure = time.Time{}
	d.open = true
	return nil
}

// recordFailure marks the DB degraded and records the transition. Every
// call moves it (further) into the degraded state described in spec §4.2;
// the metric counts open-failure transitions, not just the first one, since
// each is a fresh backoff window a caller may observe as unavailability.
func (d *DB) recordFailure() {
	d.open = false
	d.failures++
	d.lastFailure = d.now()
	telemetry.RecordDegradedTransition(context.Background())
}

// check enforces the capped-backoff policy described in spec §4.2: if the
// database is open, proceed; else, if fewer than 8 prior failures and at
// least 2s have elapsed since the last one, retry open+initialize; else
// report unavailable.
func (d *DB) check() error {
	if d.open {
		return nil
	}
	if d.failures < maxOpenFailures && d.now().Sub(d.lastFailure) >= openBackoff {
		if err := d.openLocked(); err != nil {
			d.logger.Warn("metadb: reopen failed", "error", err, "failures", d.failures)
			return ErrUnavailable
		}
		return nil
	}
	return ErrUnavailable
}

// Available reports whether the database is ready to serve a query,
// attempting the same capped-backoff reopen check() runs before every
// query. Callers that return a distinguishable error (unlike the plain
// bool query surface) use this to tell "manifest unavailable" apart from
// "query failed".
func (d *DB) Available() bool {
	return d.check() == nil
}

// Close finalizes all cached statements and closes the database, retrying
// once if the close itself reports the database busy or locked.
func (d *DB) Close() error {
	d.finalizeStmts()
	if d.sqlDB == nil {
		d.open = false
		return nil
	}
	err := d.sqlDB.Close()
	if err != nil && isBusyOrLocked(err) {
		d.finalizeStmts()
		err = d.sqlDB.Close()
	}
	d.open = false
	d.sqlDB = nil
	return err
}

func (d *DB) finalizeStmts() {
	for sqlText, stmt := range d.stmts {
		if err := stmt.Close(); err != nil {
			d.logger.Debug("metadb: finalizing statement failed", "sql", sqlText, "error", err)
		}
	}
	d.stmts = make(map[string]*sql.Stmt)
}

func isBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// Reset deletes the manifest triad, delegates MoveAllToTrash +
// EmptyTrashAsync to the File Store, and reopens. It is the engine's
// primitive for removeAll and for recovering from a construction-time
// init failure.
func (d *DB) Reset() error {
	_ = d.Close()

	for _, suffix := range []string{"", "-wal", "-shm"} {
		p := d.manifestPath() + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("metadb: removing %s: %w", p, err)
		}
	}

	if d.trash != nil {
		if !d.trash.MoveAllToTrash() {
			return fmt.Errorf("metadb: moving data to trash: %w", errors.New("filestore reported failure"))
		}
		d.trash.EmptyTrashAsync()
	}

	if err := d.openLocked(); err != nil {
		return fmt.Errorf("metadb: reopening after reset: %w", err)
	}
	return nil
}

// stmt returns the cached *sql.Stmt for sqlText, preparing it on first use.
// database/sql already manages the bind/execute/reset cycle a raw SQLite C
// API requires explicitly, so "reuse" here is just returning the same
// prepared statement object; IN-list queries whose text depends on the
// argument count are prepared ad hoc against d.sqlDB and finalized by their
// caller instead of going through this cache.
func (d *DB) stmt(sqlText string) (*sql.Stmt, error) {
	if s, ok := d.stmts[sqlText]; ok {
		return s, nil
	}
	s, err := d.sqlDB.Prepare(sqlText)
	if err != nil {
		return nil, err
	}
	d.stmts[sqlText] = s
	return s, nil
}
