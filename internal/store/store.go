// Package store persists pipeline records in SQLite, one row per record with
// its current stage as an indexed column. Moving a record between stages is a
// single UPDATE inside a transaction, so a record is visible in exactly one
// stage at every point in time.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrConflict   = errors.New("record exists with different content")
	ErrNotInStage = errors.New("record is not in the expected stage")
)

// Stage is a pipeline collection.
type Stage string

const (
	NeedsAction     Stage = "Needs_Action"
	PendingApproval Stage = "Pending_Approval"
	Approved        Stage = "Approved"
	Rejected        Stage = "Rejected"
	Done            Stage = "Done"
	Failed          Stage = "Failed"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{NeedsAction, PendingApproval, Approved, Rejected, Done, Failed}

// ParseStage returns the Stage named s.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Kind distinguishes record types sharing the table.
type Kind string

const (
	KindItem     Kind = "item"
	KindApproval Kind = "approval"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	stage TEXT NOT NULL,
	stage_order INTEGER NOT NULL,
	doc BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(kind, id)
);

CREATE INDEX IF NOT EXISTS idx_records_stage ON records(kind, stage, stage_order);
`

// Record is one stored document.
type Record struct {
	Kind      Kind
	ID        string
	Stage     Stage
	Doc       []byte
	CreatedAt string
	UpdatedAt string
}

// Store manages the SQLite record table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the record database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// OpenSQLite opens dbPath in WAL mode with immediate write transactions, so
// concurrent writers wait on the busy timeout instead of failing to upgrade.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Put inserts a record into stage. Re-putting an identical document into the
// same stage is a no-op; any other existing record with the same id is
// ErrConflict.
func (s *Store) Put(ctx context.Context, kind Kind, id string, stage Stage, doc []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curStage string
	var curDoc []byte
	err = tx.QueryRowContext(ctx, `SELECT stage, doc FROM records WHERE kind = ? AND id = ?`, kind, id).
		Scan(&curStage, &curDoc)
	switch {
	case err == nil:
		if Stage(curStage) == stage && bytes.Equal(curDoc, doc) {
			return nil
		}
		return fmt.Errorf("%s %q in %s: %w", kind, id, curStage, ErrConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("checking %s %q: %w", kind, id, err)
	}

	ts := s.stamp()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (kind, id, stage, stage_order, doc, created_at, updated_at)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(stage_order), 0) + 1 FROM records), ?, ?, ?)`,
		kind, id, stage, doc, ts, ts)
	if err != nil {
		return fmt.Errorf("inserting %s %q: %w", kind, id, err)
	}
	return tx.Commit()
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, id, stage, doc, created_at, updated_at FROM records WHERE kind = ? AND id = ?`, kind, id).
		Scan(&r.Kind, &r.ID, &r.Stage, &r.Doc, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %q: %w", kind, id, err)
	}
	return &r, nil
}

// List returns the records of kind in stage, in the order they entered it.
// An empty stage lists every stage.
func (s *Store) List(ctx context.Context, kind Kind, stage Stage) ([]Record, error) {
	query := `SELECT kind, id, stage, doc, created_at, updated_at FROM records WHERE kind = ?`
	args := []any{kind}
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, stage)
	}
	query += " ORDER BY stage_order ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Kind, &r.ID, &r.Stage, &r.Doc, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Update replaces the document of a record that is still in stage.
func (s *Store) Update(ctx context.Context, kind Kind, id string, stage Stage, doc []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET doc = ?, updated_at = ? WHERE kind = ? AND id = ? AND stage = ?`,
		doc, s.stamp(), kind, id, stage)
	if err != nil {
		return fmt.Errorf("updating %s %q: %w", kind, id, err)
	}
	return s.checkAffected(ctx, res, kind, id, stage)
}

// Move transfers a record from one stage to another, replacing its document,
// in one transaction. It fails with ErrNotInStage if another actor moved the
// record first.
func (s *Store) Move(ctx context.Context, kind Kind, id string, from, to Stage, doc []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE records
		 SET stage = ?, doc = ?, updated_at = ?,
		     stage_order = (SELECT COALESCE(MAX(stage_order), 0) + 1 FROM records)
		 WHERE kind = ? AND id = ? AND stage = ?`,
		to, doc, s.stamp(), kind, id, from)
	if err != nil {
		return fmt.Errorf("moving %s %q: %w", kind, id, err)
	}
	if err := s.checkAffectedTx(ctx, tx, res, kind, id, from); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move: %w", err)
	}
	s.logger.Debug("record moved", "kind", kind, "id", id, "from", from, "to", to)
	return nil
}

// Counts returns the number of records of kind per stage.
func (s *Store) Counts(ctx context.Context, kind Kind) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM records WHERE kind = ? GROUP BY stage`, kind)
	if err != nil {
		return nil, fmt.Errorf("counting %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Stage]int, len(Stages))
	for _, st := range Stages {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[Stage(st)] = n
	}
	return counts, rows.Err()
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, kind Kind, id string, stage Stage) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, kind, id); err != nil {
		return err
	}
	return fmt.Errorf("%s %q not in %s: %w", kind, id, stage, ErrNotInStage)
}

func (s *Store) checkAffectedTx(ctx context.Context, tx *sql.Tx, res sql.Result, kind Kind, id string, stage Stage) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var cur string
	err = tx.QueryRowContext(ctx, `SELECT stage FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading %s %q: %w", kind, id, err)
	}
	return fmt.Errorf("%s %q is in %s, not %s: %w", kind, id, cur, stage, ErrNotInStage)
}
