// Package journal keeps a SQLite history of finished upload and download
// operations.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/storesync/internal/db"
	"github.com/openmined/storesync/internal/operation"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    document_id TEXT NOT NULL,
    client_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL, -- UTC, fixed width so it sorts as text
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_document ON operations(document_id);
CREATE INDEX IF NOT EXISTS idx_operations_finished_at ON operations(finished_at);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	ErrNotOpen     = errors.New("journal not open")
	ErrAlreadyOpen = errors.New("journal already open")
	ErrNotTerminal = errors.New("operation not finished")
)

// Entry is one finished operation.
type Entry struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	DocumentID   string    `json:"document_id"`
	ClientID     string    `json:"client_id,omitempty"`
	State        string    `json:"state"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Took is the wall time between start and finish. Zero for operations
// cancelled before they started.
func (e *Entry) Took() time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// dbEntry is the row form, times are stored as TEXT.
type dbEntry struct {
	ID           string `db:"id"`
	Kind         string `db:"kind"`
	DocumentID   string `db:"document_id"`
	ClientID     string `db:"client_id"`
	State        string `db:"state"`
	ErrorKind    string `db:"error_kind"`
	ErrorMessage string `db:"error_message"`
	StartedAt    string `db:"started_at"`
	FinishedAt   string `db:"finished_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	DocumentID string
	Kind       string
	State      string
	Limit      int
}

type Journal struct {
	dbPath string

	mu sync.RWMutex
	db *sqlx.DB
}

// New creates a journal at dbPath. Use db.MemoryPath for a throwaway one.
func New(dbPath string) *Journal {
	return &Journal{dbPath: dbPath}
}

func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		return ErrAlreadyOpen
	}

	conn, err := db.NewSqliteDB(db.WithPath(j.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open journal %s: %w", j.dbPath, err)
	}
	if err := db.Migrate(conn, schema); err != nil {
		return fmt.Errorf("open journal %s: %w", j.dbPath, err)
	}

	j.db = conn
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return ErrNotOpen
	}
	err := j.db.Close()
	j.db = nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	slog.Debug("journal closed")
	return nil
}

// Record stores e, replacing an entry with the same id.
func (j *Journal) Record(e *Entry) error {
	if e == nil {
		return fmt.Errorf("cannot record nil entry")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return ErrNotOpen
	}

	row := dbEntry{
		ID:           e.ID,
		Kind:         e.Kind,
		DocumentID:   e.DocumentID,
		ClientID:     e.ClientID,
		State:        e.State,
		ErrorKind:    e.ErrorKind,
		ErrorMessage: e.ErrorMessage,
		StartedAt:    formatTime(e.StartedAt),
		FinishedAt:   formatTime(e.FinishedAt),
	}

	query := `INSERT OR REPLACE INTO operations
	          (id, kind, document_id, client_id, state, error_kind, error_message, started_at, finished_at)
	          VALUES (:id, :kind, :document_id, :client_id, :state, :error_kind, :error_message, :started_at, :finished_at)`
	if _, err := j.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("record operation %s: %w", e.ID, err)
	}
	slog.Debug("journal record", "id", e.ID, "kind", e.Kind, "state", e.State)
	return nil
}

// Get returns the entry with id, or nil if there is none.
func (j *Journal) Get(id string) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrNotOpen
	}

	var row dbEntry
	if err := j.db.Get(&row, "SELECT * FROM operations WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query operation %s: %w", id, err)
	}
	return row.toEntry()
}

// List returns matching entries, most recently finished first.
func (j *Journal) List(f Filter) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrNotOpen
	}

	var (
		where []string
		args  []any
	)
	if f.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}

	query := "SELECT * FROM operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []dbEntry
	if err := j.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			slog.Error("journal skip corrupt entry", "id", row.ID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (j *Journal) Count() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return 0, ErrNotOpen
	}

	var count int
	if err := j.db.Get(&count, "SELECT COUNT(*) FROM operations"); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

// EntryFor describes a terminal operation.
func EntryFor(op *operation.Operation, documentID, clientID string) (*Entry, error) {
	state := op.State()
	if !state.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, op.ID(), state)
	}

	e := &Entry{
		ID:         op.ID(),
		Kind:       op.Name(),
		DocumentID: documentID,
		ClientID:   clientID,
		State:      state.String(),
		StartedAt:  op.StartedAt(),
		FinishedAt: op.FinishedAt(),
	}
	if err := op.Err(); err != nil {
		e.ErrorKind = string(err.Kind)
		e.ErrorMessage = err.Error()
	}
	return e, nil
}

// Observer records operations as they finish. clientID is asked at that
// point, so a download can report the client it resolved.
func (j *Journal) Observer(documentID string, clientID func() string) operation.Observer {
	return func(op *operation.Operation) {
		var client string
		if clientID != nil {
			client = clientID()
		}
		e, err := EntryFor(op, documentID, client)
		if err == nil {
			err = j.Record(e)
		}
		if err != nil {
			slog.Error("journal record", "id", op.ID(), "error", err)
		}
	}
}

func (r *dbEntry) toEntry() (*Entry, error) {
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at of %s: %w", r.ID, err)
	}
	finished, err := parseTime(r.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at of %s: %w", r.ID, err)
	}
	return &Entry{
		ID:           r.ID,
		Kind:         r.Kind,
		DocumentID:   r.DocumentID,
		ClientID:     r.ClientID,
		State:        r.State,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    started,
		FinishedAt:   finished,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
