// Package ports implements the machine-global port registry. Each project
// instance is assigned a stable base-port block so multiple projects can run
// concurrently without port collisions. Assignments are keyed by the
// symlink-resolved project path and persist across restarts in a SQLite
// database under ~/.codev.
//
// Mutual exclusion for the one genuinely contended invariant (block
// uniqueness) is delegated to the database's UNIQUE constraints rather than
// an application-level lock: two simultaneous first-spawns for the same or
// different projects race on INSERT, and the loser rescans.
package ports

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/util"
)

// Sub-range offsets within a block. The dashboard listens on the base port
// itself; all other session kinds get fixed, non-overlapping slices.
const (
	OffsetArchitect        = 1
	OffsetBuilders         = 10
	OffsetUtils            = 30
	OffsetAnnotations      = 50
	BuilderRangeSize       = 20
	UtilRangeSize          = 20
	AnnotationRangeSize    = 50
	maxBlockScanIterations = 500
)

// Block is one project instance's port allocation.
type Block struct {
	ProjectPath  string    `json:"projectPath"`
	BasePort     int       `json:"basePort"`
	PID          int       `json:"pid,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// DashboardPort returns the dashboard port for the block.
func (b *Block) DashboardPort() int { return b.BasePort }

// ArchitectPort returns the architect terminal port for the block.
func (b *Block) ArchitectPort() int { return b.BasePort + OffsetArchitect }

// BuilderRange returns the inclusive start and exclusive end of the builder
// port sub-range.
func (b *Block) BuilderRange() (int, int) {
	return b.BasePort + OffsetBuilders, b.BasePort + OffsetBuilders + BuilderRangeSize
}

// UtilRange returns the utility shell port sub-range.
func (b *Block) UtilRange() (int, int) {
	return b.BasePort + OffsetUtils, b.BasePort + OffsetUtils + UtilRangeSize
}

// AnnotationRange returns the annotation viewer port sub-range.
func (b *Block) AnnotationRange() (int, int) {
	return b.BasePort + OffsetAnnotations, b.BasePort + OffsetAnnotations + AnnotationRangeSize
}

// Registry is the cross-project port block registry.
type Registry struct {
	db *sql.DB

	baseStart int
	blockSize int

	// probe reports whether something is listening on the port. Swappable
	// in tests; defaults to a real TCP dial.
	probe func(port int) bool
}

// Open opens (creating if needed) the registry database at dbPath.
// A registry that cannot be opened is fatal to allocation: proceeding with
// an unregistered, possibly colliding port is worse than failing.
func Open(dbPath string, baseStart, blockSize int) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err)
	}

	// WAL mode so a long-running dashboard and short-lived CLI processes can
	// read and write concurrently.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS port_blocks (
			project_path  TEXT PRIMARY KEY,
			base_port     INTEGER NOT NULL UNIQUE,
			pid           INTEGER NOT NULL DEFAULT 0,
			registered_at TEXT NOT NULL,
			last_used_at  TEXT NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err)
	}

	return &Registry{
		db:        db,
		baseStart: baseStart,
		blockSize: blockSize,
		probe:     portListening,
	}, nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// GetOrAssign returns the port block for a project, allocating one if none
// exists. Repeated calls for the same project return the same block as long
// as the prior allocation is not stale.
func (r *Registry) GetOrAssign(projectPath string) (*Block, error) {
	resolved := util.ResolvePath(projectPath)

	if block, err := r.lookup(resolved); err != nil {
		return nil, err
	} else if block != nil {
		r.touch(resolved)
		block.LastUsedAt = time.Now().UTC()
		return block, nil
	}

	for i := 0; i < maxBlockScanIterations; i++ {
		base, err := r.scanFreeBase()
		if err != nil {
			return nil, err
		}

		block, err := r.insert(resolved, base)
		if err == nil {
			return block, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("register port block: %w", err)
		}
		// Lost the INSERT race: either another process claimed this base, or
		// it registered this project first. Re-check the project key, then
		// rescan.
		if block, lookupErr := r.lookup(resolved); lookupErr == nil && block != nil {
			return block, nil
		}
	}
	return nil, errors.ErrNoFreePort
}

// CleanupStale deletes registry entries whose instance is no longer alive:
// nothing listening on the dashboard port and the recorded pid (if any) not
// running. Idempotent; safe to call before every launch.
func (r *Registry) CleanupStale() (int, error) {
	rows, err := r.db.Query(`SELECT project_path, base_port, pid FROM port_blocks`)
	if err != nil {
		return 0, fmt.Errorf("list port blocks: %w", err)
	}
	defer rows.Close()

	type entry struct {
		path string
		base int
		pid  int
	}
	var stale []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.path, &e.base, &e.pid); err != nil {
			return 0, fmt.Errorf("scan port block: %w", err)
		}
		if r.probe(e.base) {
			continue
		}
		if e.pid > 0 && processAlive(e.pid) {
			continue
		}
		stale = append(stale, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range stale {
		res, err := r.db.Exec(`DELETE FROM port_blocks WHERE project_path = ?`, e.path)
		if err != nil {
			return removed, fmt.Errorf("delete stale block for %s: %w", e.path, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed++
		}
	}
	return removed, nil
}

// SetPID records the dashboard server's pid for a project's block.
func (r *Registry) SetPID(projectPath string, pid int) error {
	resolved := util.ResolvePath(projectPath)
	_, err := r.db.Exec(
		`UPDATE port_blocks SET pid = ?, last_used_at = ? WHERE project_path = ?`,
		pid, now(), resolved,
	)
	return err
}

// Blocks returns all registered blocks, for status reporting.
func (r *Registry) Blocks() ([]*Block, error) {
	rows, err := r.db.Query(`
		SELECT project_path, base_port, pid, registered_at, last_used_at
		FROM port_blocks ORDER BY base_port
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func (r *Registry) lookup(resolved string) (*Block, error) {
	row := r.db.QueryRow(`
		SELECT project_path, base_port, pid, registered_at, last_used_at
		FROM port_blocks WHERE project_path = ?
	`, resolved)

	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup port block: %w", err)
	}
	return block, nil
}

func (r *Registry) insert(resolved string, base int) (*Block, error) {
	ts := now()
	_, err := r.db.Exec(`
		INSERT INTO port_blocks (project_path, base_port, pid, registered_at, last_used_at)
		VALUES (?, ?, 0, ?, ?)
	`, resolved, base, ts, ts)
	if err != nil {
		return nil, err
	}
	t, _ := time.Parse(time.RFC3339Nano, ts)
	return &Block{
		ProjectPath:  resolved,
		BasePort:     base,
		RegisteredAt: t,
		LastUsedAt:   t,
	}, nil
}

func (r *Registry) touch(resolved string) {
	_, _ = r.db.Exec(`UPDATE port_blocks SET last_used_at = ? WHERE project_path = ?`, now(), resolved)
}

// scanFreeBase finds the lowest base port not registered by a live instance.
// Registered-but-stale bases are skipped too; CleanupStale reclaims them
// separately so a scan never has to decide about reclamation.
func (r *Registry) scanFreeBase() (int, error) {
	registered := make(map[int]bool)
	rows, err := r.db.Query(`SELECT base_port FROM port_blocks`)
	if err != nil {
		return 0, fmt.Errorf("list registered bases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var base int
		if err := rows.Scan(&base); err != nil {
			return 0, err
		}
		registered[base] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for base := r.baseStart; base < r.baseStart+maxBlockScanIterations*r.blockSize; base += r.blockSize {
		if registered[base] {
			continue
		}
		// A base may be unregistered yet busy (another tool or an instance
		// from before a registry wipe). Probe before claiming.
		if r.probe(base) {
			continue
		}
		return base, nil
	}
	return 0, errors.ErrNoFreePort
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*Block, error) {
	var b Block
	var registeredAt, lastUsedAt string
	if err := row.Scan(&b.ProjectPath, &b.BasePort, &b.PID, &registeredAt, &lastUsedAt); err != nil {
		return nil, err
	}
	b.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	b.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedAt)
	return &b, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// portListening reports whether something accepts TCP connections on the
// port at loopback.
func portListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error string;
	// there is no exported sentinel to match on.
	return strings.Contains(err.Error(), "constraint failed")
}
