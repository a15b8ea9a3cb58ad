// Package audit implements the dispatch-round audit trail
// (SPEC_FULL.md §12): a SQLite-backed log of inbound/outbound
// gateway activity, decoupled from any business data store.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Action classifies one audit entry.
type Action string

const (
	ActionInbound  Action = "inbound"
	ActionOutbound Action = "outbound"
	ActionSystem   Action = "system"
	ActionConfig   Action = "config"
)

// Config controls where the audit database lives and how long
// records are kept.
type Config struct {
	Dir        string
	MaxAgeDays int
	Enabled    bool
}

// Record is one audit entry.
type Record struct {
	ID           int64
	Action       Action
	Channel      string
	AccountID    string
	SessionKey   string
	Sender       string
	RequestBody  string
	ResponseBody string
	Status       string
	ErrorMessage string
	DurationMs   int64
	CreatedAt    string
}

// Store is the audit log's SQLite-backed storage engine.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// DefaultConfig mirrors the teacher's tasklog defaults, scoped to
// this gateway's own state directory.
func DefaultConfig(stateDir string) Config {
	return Config{Dir: stateDir, MaxAgeDays: 90, Enabled: true}
}

// NewStore opens (creating if necessary) the audit database under
// cfg.Dir.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &Store{dbPath: filepath.Join(cfg.Dir, "audit.db")}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	ddl := `
CREATE TABLE IF NOT EXISTS audit_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL DEFAULT '',
  channel TEXT NOT NULL DEFAULT '',
  account_id TEXT NOT NULL DEFAULT '',
  session_key TEXT NOT NULL DEFAULT '',
  sender TEXT NOT NULL DEFAULT '',
  request_body TEXT NOT NULL DEFAULT '',
  response_body TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'success',
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create audit_records table: %w", err)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_audit_channel ON audit_records(channel);",
		"CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_records(session_key);",
	}
	for _, idx := range indices {
		_, _ = db.Exec(idx)
	}
	return nil
}

func (s *Store) openDB() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout%3d5000&_pragma=journal_mode%3dwal")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return db, nil
}

// Log inserts rec, stamping CreatedAt and defaulting Status if unset.
func (s *Store) Log(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.Status == "" {
		rec.Status = "success"
	}

	result, err := db.Exec(
		`INSERT INTO audit_records(action, channel, account_id, session_key, sender, request_body, response_body, status, error_message, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Action, rec.Channel, rec.AccountID, rec.SessionKey, rec.Sender,
		rec.RequestBody, rec.ResponseBody, rec.Status, rec.ErrorMessage,
		rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		return err
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// Prune deletes records older than maxAgeDays; a non-positive value
// deletes nothing.
func (s *Store) Prune(maxAgeDays int) error {
	if maxAgeDays <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Format(time.RFC3339Nano)
	_, err = db.Exec("DELETE FROM audit_records WHERE created_at < ?", cutoff)
	return err
}

// QueryParams filters a page of audit records.
type QueryParams struct {
	Channel    string
	SessionKey string
	Status     string
	Limit      int
	Offset     int
}

// Query returns a page of records newest-first matching p.
func (s *Store) Query(p QueryParams) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	var conditions []string
	var args []any
	if p.Channel != "" {
		conditions = append(conditions, "channel=?")
		args = append(args, p.Channel)
	}
	if p.SessionKey != "" {
		conditions = append(conditions, "session_key=?")
		args = append(args, p.SessionKey)
	}
	if p.Status != "" {
		conditions = append(conditions, "status=?")
		args = append(args, p.Status)
	}

	where := ""
	for i, c := range conditions {
		if i == 0 {
			where = " WHERE " + c
		} else {
			where += " AND " + c
		}
	}

	args = append(args, p.Limit, p.Offset)
	rows, err := db.Query(
		`SELECT id, action, channel, account_id, session_key, sender, request_body, response_body, status, error_message, duration_ms, created_at
		 FROM audit_records`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Action, &r.Channel, &r.AccountID, &r.SessionKey, &r.Sender,
			&r.RequestBody, &r.ResponseBody, &r.Status, &r.ErrorMessage, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
