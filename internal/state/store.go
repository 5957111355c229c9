// Package state implements the durable session state store for one project
// instance: the architect singleton, builders, utility shells, and
// annotation viewers.
//
// The store is shared between short-lived CLI invocations and the
// long-running dashboard server. Every operation re-reads the database
// rather than caching a snapshot across calls, and each record is written
// individually, so two near-simultaneous upserts for different IDs both
// persist. Last-writer-wins per record; whole-state clobbering never occurs.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/electricddev/codev-sub000/internal/errors"
)

// Store is the session state store backed by a per-project SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS architect (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			port         INTEGER NOT NULL,
			pid          INTEGER NOT NULL,
			cmd          TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			tmux_session TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS builders (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			port          INTEGER NOT NULL,
			pid           INTEGER NOT NULL,
			status        TEXT NOT NULL,
			phase         TEXT NOT NULL DEFAULT '',
			worktree      TEXT NOT NULL DEFAULT '',
			branch        TEXT NOT NULL DEFAULT '',
			tmux_session  TEXT NOT NULL,
			type          TEXT NOT NULL,
			task_text     TEXT NOT NULL DEFAULT '',
			protocol_name TEXT NOT NULL DEFAULT '',
			issue_number  INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS utils (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			port         INTEGER NOT NULL,
			pid          INTEGER NOT NULL,
			tmux_session TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id     TEXT PRIMARY KEY,
			file   TEXT NOT NULL UNIQUE,
			port   INTEGER NOT NULL,
			pid    INTEGER NOT NULL,
			parent TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS port_reservations (
			port        INTEGER PRIMARY KEY,
			session_id  TEXT NOT NULL,
			pid         INTEGER NOT NULL,
			reserved_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create state tables: %w", err)
		}
	}
	return nil
}

// Load returns the current state snapshot.
func (s *Store) Load() (*State, error) {
	st := &State{
		Builders:    []*Builder{},
		Utils:       []*Util{},
		Annotations: []*Annotation{},
	}

	arch, err := s.GetArchitect()
	if err != nil {
		return nil, err
	}
	st.Architect = arch

	rows, err := s.db.Query(`
		SELECT id, name, port, pid, status, phase, worktree, branch,
		       tmux_session, type, task_text, protocol_name, issue_number, created_at
		FROM builders ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load builders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b Builder
		var createdAt string
		if err := rows.Scan(&b.ID, &b.Name, &b.Port, &b.PID, &b.Status, &b.Phase,
			&b.Worktree, &b.Branch, &b.TmuxSession, &b.Type,
			&b.TaskText, &b.ProtocolName, &b.IssueNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("scan builder: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		st.Builders = append(st.Builders, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	utilRows, err := s.db.Query(`SELECT id, name, port, pid, tmux_session FROM utils ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load utils: %w", err)
	}
	defer utilRows.Close()
	for utilRows.Next() {
		var u Util
		if err := utilRows.Scan(&u.ID, &u.Name, &u.Port, &u.PID, &u.TmuxSession); err != nil {
			return nil, fmt.Errorf("scan util: %w", err)
		}
		st.Utils = append(st.Utils, &u)
	}
	if err := utilRows.Err(); err != nil {
		return nil, err
	}

	annRows, err := s.db.Query(`SELECT id, file, port, pid, parent FROM annotations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()
	for annRows.Next() {
		var a Annotation
		if err := annRows.Scan(&a.ID, &a.File, &a.Port, &a.PID, &a.Parent); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		st.Annotations = append(st.Annotations, &a)
	}
	return st, annRows.Err()
}

// -----------------------------------------------------------------------------
// Architect
// -----------------------------------------------------------------------------

// SetArchitect records the architect session, replacing any prior record.
func (s *Store) SetArchitect(a *Architect) error {
	_, err := s.db.Exec(`
		INSERT INTO architect (id, port, pid, cmd, started_at, tmux_session)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			port = excluded.port, pid = excluded.pid, cmd = excluded.cmd,
			started_at = excluded.started_at, tmux_session = excluded.tmux_session
	`, a.Port, a.PID, a.Cmd, formatTime(a.StartedAt), a.TmuxSession)
	if err != nil {
		return fmt.Errorf("set architect: %w", err)
	}
	return nil
}

// GetArchitect returns the architect record, or nil if none is set.
func (s *Store) GetArchitect() (*Architect, error) {
	var a Architect
	var startedAt string
	err := s.db.QueryRow(`
		SELECT port, pid, cmd, started_at, tmux_session FROM architect WHERE id = 1
	`).Scan(&a.Port, &a.PID, &a.Cmd, &startedAt, &a.TmuxSession)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get architect: %w", err)
	}
	a.StartedAt = parseTime(startedAt)
	return &a, nil
}

// ClearArchitect removes the architect record.
func (s *Store) ClearArchitect() error {
	_, err := s.db.Exec(`DELETE FROM architect`)
	return err
}

// -----------------------------------------------------------------------------
// Builders
// -----------------------------------------------------------------------------

// UpsertBuilder inserts or replaces a builder record by ID.
func (s *Store) UpsertBuilder(b *Builder) error {
	_, err := s.db.Exec(`
		INSERT INTO builders (id, name, port, pid, status, phase, worktree, branch,
			tmux_session, type, task_text, protocol_name, issue_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, port = excluded.port, pid = excluded.pid,
			status = excluded.status, phase = excluded.phase,
			worktree = excluded.worktree, branch = excluded.branch,
			tmux_session = excluded.tmux_session, type = excluded.type,
			task_text = excluded.task_text, protocol_name = excluded.protocol_name,
			issue_number = excluded.issue_number, created_at = excluded.created_at
	`, b.ID, b.Name, b.Port, b.PID, b.Status, b.Phase, b.Worktree, b.Branch,
		b.TmuxSession, b.Type, b.TaskText, b.ProtocolName, b.IssueNumber,
		formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert builder %s: %w", b.ID, err)
	}
	return nil
}

// GetBuilder returns the builder with the given ID, or nil if not found.
func (s *Store) GetBuilder(id string) (*Builder, error) {
	var b Builder
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, name, port, pid, status, phase, worktree, branch,
		       tmux_session, type, task_text, protocol_name, issue_number, created_at
		FROM builders WHERE id = ?
	`, id).Scan(&b.ID, &b.Name, &b.Port, &b.PID, &b.Status, &b.Phase,
		&b.Worktree, &b.Branch, &b.TmuxSession, &b.Type,
		&b.TaskText, &b.ProtocolName, &b.IssueNumber, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get builder %s: %w", id, err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// RemoveBuilder deletes the builder record. Returns false if no such record.
func (s *Store) RemoveBuilder(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM builders WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove builder %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateBuilderStatus sets the builder's status. Returns false (not an
// error) when no builder with the given ID exists; callers translate that
// into a user-facing not-found message.
func (s *Store) UpdateBuilderStatus(id, status string) (bool, error) {
	if !ValidStatus(status) {
		return false, errors.NewValidationError("status",
			fmt.Sprintf("%q is not one of spawning, implementing, blocked, pr-ready, complete", status))
	}
	res, err := s.db.Exec(`UPDATE builders SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return false, fmt.Errorf("update builder status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenameBuilder sets the builder's display name and returns the previous
// name. Returns ok=false when the builder does not exist.
func (s *Store) RenameBuilder(id, name string) (oldName string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT name FROM builders WHERE id = ?`, id).Scan(&oldName)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rename builder %s: %w", id, err)
	}
	if _, err := s.db.Exec(`UPDATE builders SET name = ? WHERE id = ?`, name, id); err != nil {
		return "", false, fmt.Errorf("rename builder %s: %w", id, err)
	}
	return oldName, true, nil
}

// -----------------------------------------------------------------------------
// Utils
// -----------------------------------------------------------------------------

// AddUtil inserts a utility shell record.
func (s *Store) AddUtil(u *Util) error {
	_, err := s.db.Exec(`
		INSERT INTO utils (id, name, port, pid, tmux_session) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, port = excluded.port, pid = excluded.pid,
			tmux_session = excluded.tmux_session
	`, u.ID, u.Name, u.Port, u.PID, u.TmuxSession)
	if err != nil {
		return fmt.Errorf("add util %s: %w", u.ID, err)
	}
	return nil
}

// RemoveUtil deletes a utility shell record. Returns false if not found.
func (s *Store) RemoveUtil(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM utils WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove util %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenameUtil sets a utility shell's display name. Returns the previous name;
// ok=false when the util does not exist.
func (s *Store) RenameUtil(id, name string) (oldName string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT name FROM utils WHERE id = ?`, id).Scan(&oldName)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rename util %s: %w", id, err)
	}
	if _, err := s.db.Exec(`UPDATE utils SET name = ? WHERE id = ?`, name, id); err != nil {
		return "", false, fmt.Errorf("rename util %s: %w", id, err)
	}
	return oldName, true, nil
}

// -----------------------------------------------------------------------------
// Annotations
// -----------------------------------------------------------------------------

// AddAnnotation inserts an annotation record. The file path is unique: a
// new record for the same absolute path replaces the old one (the dashboard
// de-duplicates live viewers before calling this).
func (s *Store) AddAnnotation(a *Annotation) error {
	_, err := s.db.Exec(`
		INSERT INTO annotations (id, file, port, pid, parent) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file) DO UPDATE SET
			id = excluded.id, port = excluded.port, pid = excluded.pid,
			parent = excluded.parent
	`, a.ID, a.File, a.Port, a.PID, a.Parent)
	if err != nil {
		return fmt.Errorf("add annotation %s: %w", a.ID, err)
	}
	return nil
}

// FindAnnotationByFile returns the annotation for an absolute file path, or
// nil if none exists.
func (s *Store) FindAnnotationByFile(file string) (*Annotation, error) {
	var a Annotation
	err := s.db.QueryRow(`
		SELECT id, file, port, pid, parent FROM annotations WHERE file = ?
	`, file).Scan(&a.ID, &a.File, &a.Port, &a.PID, &a.Parent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find annotation: %w", err)
	}
	return &a, nil
}

// RemoveAnnotation deletes an annotation record. Returns false if not found.
func (s *Store) RemoveAnnotation(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove annotation %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// -----------------------------------------------------------------------------
// Port reservations
// -----------------------------------------------------------------------------

// ReservePort claims a port for a session that is still starting up. The
// primary-key constraint is the mutual exclusion: two racing spawners cannot
// both reserve the same port, and the loser gets ErrPortReserved and rescans.
func (s *Store) ReservePort(port int, sessionID string, pid int) error {
	_, err := s.db.Exec(`
		INSERT INTO port_reservations (port, session_id, pid, reserved_at)
		VALUES (?, ?, ?, ?)
	`, port, sessionID, pid, formatTime(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", errors.ErrPortReserved, port)
		}
		return fmt.Errorf("reserve port %d: %w", port, err)
	}
	return nil
}

// ReleasePort removes a port reservation. Safe to call for a port that was
// never reserved.
func (s *Store) ReleasePort(port int) error {
	if _, err := s.db.Exec(`DELETE FROM port_reservations WHERE port = ?`, port); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

// Reservations returns all outstanding port reservations.
func (s *Store) Reservations() ([]*PortReservation, error) {
	rows, err := s.db.Query(`SELECT port, session_id, pid FROM port_reservations ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("list port reservations: %w", err)
	}
	defer rows.Close()

	var out []*PortReservation
	for rows.Next() {
		var r PortReservation
		if err := rows.Scan(&r.Port, &r.SessionID, &r.PID); err != nil {
			return nil, fmt.Errorf("scan port reservation: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReservedPorts returns the outstanding reservations as a port set, in the
// shape FindFree consumes.
func (s *Store) ReservedPorts() (map[int]bool, error) {
	reservations, err := s.Reservations()
	if err != nil {
		return nil, err
	}
	ports := make(map[int]bool, len(reservations))
	for _, r := range reservations {
		ports[r.Port] = true
	}
	return ports, nil
}

// -----------------------------------------------------------------------------
// Global
// -----------------------------------------------------------------------------

// ClearState removes every session record. Used by global stop.
func (s *Store) ClearState() error {
	for _, table := range []string{"architect", "builders", "utils", "annotations", "port_reservations"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error string;
	// there is no exported sentinel to match on.
	return strings.Contains(err.Error(), "constraint failed")
}
