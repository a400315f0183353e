package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/actiongate/internal/store"
)

const (
	dayLayout = "2006-01-02"
	// Fixed-width so timestamps sort lexically.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

// FormatTimestamp renders t the way entries store it, for Since filters.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	day TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	action_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	execution_status TEXT NOT NULL,
	executor TEXT NOT NULL,
	executor_id TEXT,
	tool_name TEXT NOT NULL,
	sanitized_inputs TEXT,
	approval_reason TEXT,
	approval_id TEXT,
	target_system TEXT NOT NULL,
	error TEXT,
	retry_count INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_day ON audit_log(day, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action_id);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(execution_status);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;
`

// Store is the append-only execution audit log. Entries are partitioned by
// UTC calendar day and sanitized before they are written.
type Store struct {
	db        *sql.DB
	sanitizer *Sanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPreviewLength sets the free-text bound applied by the sanitizer.
func WithPreviewLength(n int) Option {
	return func(s *Store) { s.sanitizer = NewSanitizer(n) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (or creates) the audit log in the SQLite database at dbPath.
func NewStore(dbPath string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:        db,
		sanitizer: NewSanitizer(DefaultPreviewLength),
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Sanitizer returns the sanitizer applied to every entry.
func (s *Store) Sanitizer() *Sanitizer {
	return s.sanitizer
}

// LogExecution sanitizes and appends one execution attempt. The write is
// synchronous: when it returns nil the entry is durable.
func (s *Store) LogExecution(ctx context.Context, entry Entry) (Entry, error) {
	switch entry.ExecutionStatus {
	case StatusSuccess, StatusFailed, StatusDryRun:
	default:
		return Entry{}, fmt.Errorf("invalid execution status %q", entry.ExecutionStatus)
	}
	if entry.Executor == "" {
		entry.Executor = ExecutorAutomated
	}

	now := s.now().UTC()
	entry = s.sanitizer.Entry(entry)
	entry.ID = uuid.New().String()
	entry.Timestamp = now.Format(timestampLayout)
	entry.Day = now.Format(dayLayout)

	var inputs sql.NullString
	if len(entry.SanitizedInputs) > 0 {
		raw, err := json.Marshal(entry.SanitizedInputs)
		if err != nil {
			return Entry{}, fmt.Errorf("encoding inputs: %w", err)
		}
		inputs = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, day, timestamp, action_id, action_type, execution_status, executor, executor_id, tool_name, sanitized_inputs, approval_reason, approval_id, target_system, error, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Day, entry.Timestamp, entry.ActionID, entry.ActionType, entry.ExecutionStatus,
		entry.Executor, entry.ExecutorID, entry.ToolName, inputs, entry.ApprovalReason,
		entry.ApprovalID, entry.TargetSystem, entry.Error, entry.RetryCount,
	)
	if err != nil {
		s.logger.Error("audit write failed", "action_id", entry.ActionID, "error", err)
		return Entry{}, fmt.Errorf("writing audit entry: %w", err)
	}
	return entry, nil
}

const selectColumns = `SELECT id, day, timestamp, action_id, action_type, execution_status, executor, executor_id, tool_name, sanitized_inputs, approval_reason, approval_id, target_system, error, retry_count FROM audit_log`

// GetLogsForDate returns the entries of the UTC day containing date, oldest first.
func (s *Store) GetLogsForDate(ctx context.Context, date time.Time) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE day = ? ORDER BY timestamp ASC, rowid ASC`, date.UTC().Format(dayLayout))
}

// GetRecentLogs returns the entries of the last days calendar days (today
// included), oldest first.
func (s *Store) GetRecentLogs(ctx context.Context, days int) ([]Entry, error) {
	if days <= 0 {
		return nil, errors.New("days must be positive")
	}
	first := s.now().UTC().AddDate(0, 0, -(days - 1)).Format(dayLayout)
	return s.query(ctx, selectColumns+` WHERE day >= ? ORDER BY timestamp ASC, rowid ASC`, first)
}

// Query returns audit entries matching the given filters, newest first.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query := selectColumns + " WHERE 1=1"
	var args []any

	if opts.ActionID != "" {
		query += " AND action_id = ?"
		args = append(args, opts.ActionID)
	}
	if opts.Status != "" {
		query += " AND execution_status = ?"
		args = append(args, opts.Status)
	}
	if opts.TargetSystem != "" {
		query += " AND target_system = ?"
		args = append(args, opts.TargetSystem)
	}
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY timestamp DESC, rowid DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}
	return s.query(ctx, query, args...)
}

// Days lists every partition with its entry count, oldest first.
func (s *Store) Days(ctx context.Context) ([]DayCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT day, COUNT(*) FROM audit_log GROUP BY day ORDER BY day ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing audit days: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DayCount
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, fmt.Errorf("scanning day: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var executorID, inputs, reason, approvalID, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.Day, &e.Timestamp, &e.ActionID, &e.ActionType, &e.ExecutionStatus,
			&e.Executor, &executorID, &e.ToolName, &inputs, &reason, &approvalID, &e.TargetSystem,
			&errText, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.ExecutorID = executorID.String
		e.ApprovalReason = reason.String
		e.ApprovalID = approvalID.String
		e.Error = errText.String
		if inputs.Valid && inputs.String != "" {
			if err := json.Unmarshal([]byte(inputs.String), &e.SanitizedInputs); err != nil {
				return nil, fmt.Errorf("decoding inputs of %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
