// Package sqlite persists state machine transition stats in a SQLite
// database. Store implements core.TransitionSink, so a registry or a single
// stats table can be flushed into it directly.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Swind/go-locality-runner/core"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is a SQLite-backed transition sink.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ core.TransitionSink = (*Store)(nil)

// Open creates or opens a database at path and applies the schema.
// Calling it again on the same file is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to database")
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteTransitions records one flush of machine's cumulative edge counters.
// Edges missing from recs keep their previous values.
func (s *Store) WriteTransitions(ctx context.Context, machine string, recs []core.TransitionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "write transitions")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO flushes (machine, flushed_at, edges) VALUES (?, ?, ?)`,
		machine, s.now().UnixNano(), len(recs))
	if err != nil {
		return errors.Wrapf(err, "write transitions of %s", machine)
	}
	flushID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrapf(err, "write transitions of %s", machine)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transitions
		(machine, from_id, to_id, from_state, to_state, count, total_ns, flush_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine, from_id, to_id) DO UPDATE SET
			from_state = excluded.from_state,
			to_state   = excluded.to_state,
			count      = excluded.count,
			total_ns   = excluded.total_ns,
			flush_id   = excluded.flush_id
	`)
	if err != nil {
		return errors.Wrapf(err, "write transitions of %s", machine)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			machine, r.From, r.To, r.FromName, r.ToName, int64(r.Count), int64(r.Total), flushID,
		); err != nil {
			return errors.Wrapf(err, "write transition %s -> %s of %s", r.FromName, r.ToName, machine)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit transitions of %s", machine)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "execute %q", pragma)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "get user_version")
	}
	if version > currentSchemaVersion {
		return errors.Newf("database schema version %d is newer than supported version %d",
			version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
		return errors.Wrap(err, "set user_version")
	}
	return nil
}
