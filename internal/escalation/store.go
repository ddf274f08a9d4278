package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by Resolve and Get for an unknown ID.
var ErrNotFound = errors.New("escalation not found")

// Store is the SQLite escalation ledger. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the ledger at dbPath, creating the schema on first
// use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS escalations (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id      TEXT NOT NULL,
		event_id        TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		tool            TEXT NOT NULL,
		action          TEXT NOT NULL,
		attempts        INTEGER NOT NULL,
		last_status     TEXT NOT NULL,
		detail          TEXT NOT NULL DEFAULT '',
		marker          TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		resolved_at     TEXT,
		resolution      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_pending
		ON escalations (resolved_at, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Escalate inserts rec. A zero CreatedAt is set to now.
func (s *Store) Escalate(ctx context.Context, rec Record) error {
	_, err := s.Insert(ctx, rec)
	return err
}

// Insert records rec and returns its ledger ID.
func (s *Store) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations
		 (request_id, event_id, conversation_id, tool, action, attempts,
		  last_status, detail, marker, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.EventID, rec.ConversationID, rec.Tool, rec.Action,
		rec.Attempts, rec.LastStatus, rec.Detail, rec.Marker,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("insert escalation %s.%s: %w", rec.Tool, rec.Action, err)
	}
	return res.LastInsertId()
}

// Pending returns unresolved escalations, oldest first. limit <= 0
// means no limit.
func (s *Store) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM escalations
		 WHERE resolved_at IS NULL
		 ORDER BY created_at, id
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the escalation with the given ID.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM escalations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Resolve marks an escalation handled. Resolving twice keeps the first
// resolution.
func (s *Store) Resolve(ctx context.Context, id int64, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET resolved_at = ?, resolution = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		s.now().UTC().Format(timeFormat), resolution, id,
	)
	if err != nil {
		return fmt.Errorf("resolve escalation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve escalation %d: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

const columns = `id, request_id, event_id, conversation_id, tool, action,
	attempts, last_status, detail, marker, created_at, resolved_at, resolution`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		createdAt  string
		resolvedAt sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.EventID, &rec.ConversationID,
		&rec.Tool, &rec.Action, &rec.Attempts, &rec.LastStatus,
		&rec.Detail, &rec.Marker, &createdAt, &resolvedAt, &rec.Resolution,
	)
	if err != nil {
		return Record{}, err
	}
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Record{}, fmt.Errorf("parse created_at for escalation %d: %w", rec.ID, err)
	}
	if resolvedAt.Valid {
		if rec.ResolvedAt, err = time.Parse(timeFormat, resolvedAt.String); err != nil {
			return Record{}, fmt.Errorf("parse resolved_at for escalation %d: %w", rec.ID, err)
		}
	}
	return rec, nil
}
