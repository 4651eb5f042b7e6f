// Package directory is the persistent lookup side of calling: conversation
// threads, group membership, and the ring-cancellation dedup ledger.
package directory

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ThreadKind distinguishes 1:1 threads from group threads.
type ThreadKind string

const (
	ThreadDirect ThreadKind = "direct"
	ThreadGroup  ThreadKind = "group"
)

// Thread is one conversation a call can belong to.
type Thread struct {
	ID      string
	Kind    ThreadKind
	Peer    string // direct threads: remote user id
	GroupID string // group threads: group id
	Blocked bool   // sender moderation: calls/rings from this thread are discarded
}

// DB wraps the SQLite database holding threads, membership, and the ring
// cancellation ledger.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	// retention for cancelled ring ids; entries older than this are pruned
	// opportunistically on each write.
	retention time.Duration
}

// Open opens or creates the calling database in the given directory.
func Open(configDir string, retention time.Duration) (*DB, error) {
	dbPath := filepath.Join(configDir, "calling.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id       TEXT PRIMARY KEY,
			kind     TEXT NOT NULL,
			peer     TEXT DEFAULT '',
			group_id TEXT DEFAULT '',
			blocked  INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create threads table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			member   TEXT NOT NULL,
			PRIMARY KEY (group_id, member)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create group members table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ring_cancellations (
			ring_id      TEXT PRIMARY KEY,
			cancelled_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ring cancellations table: %w", err)
	}

	if retention <= 0 {
		retention = 30 * time.Minute
	}

	return &DB{db: db, path: dbPath, retention: retention}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// LookupThread returns the thread with the given id, if known.
func (d *DB) LookupThread(id string) (Thread, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var t Thread
	var blocked int
	err := d.db.QueryRow(
		`SELECT id, kind, peer, group_id, blocked FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.Kind, &t.Peer, &t.GroupID, &blocked)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("DIR: lookup thread %s: %v", id, err)
		}
		return Thread{}, false
	}
	t.Blocked = blocked != 0
	return t, true
}

// LookupThreadByGroup returns the group thread for a group id, if known.
func (d *DB) LookupThreadByGroup(groupID string) (Thread, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var t Thread
	var blocked int
	err := d.db.QueryRow(
		`SELECT id, kind, peer, group_id, blocked FROM threads WHERE kind = ? AND group_id = ?`,
		ThreadGroup, groupID,
	).Scan(&t.ID, &t.Kind, &t.Peer, &t.GroupID, &blocked)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("DIR: lookup group thread %s: %v", groupID, err)
		}
		return Thread{}, false
	}
	t.Blocked = blocked != 0
	return t, true
}

// UpsertThread inserts or replaces a thread row.
func (d *DB) UpsertThread(t Thread) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocked := 0
	if t.Blocked {
		blocked = 1
	}
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO threads (id, kind, peer, group_id, blocked) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Peer, t.GroupID, blocked,
	)
	return err
}

// LookupGroupMembership returns the member list for a group.
func (d *DB) LookupGroupMembership(groupID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT member FROM group_members WHERE group_id = ? ORDER BY member`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SetGroupMembership replaces the member list for a group.
func (d *DB) SetGroupMembership(groupID string, members []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		tx.Rollback()
		return err
	}
	for _, m := range members {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO group_members (group_id, member) VALUES (?, ?)`, groupID, m,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RingCancellationExists reports whether a ring id was already cancelled.
func (d *DB) RingCancellationExists(ringID uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var one int
	err := d.db.QueryRow(
		`SELECT 1 FROM ring_cancellations WHERE ring_id = ?`, ringID.String(),
	).Scan(&one)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("DIR: ring cancellation lookup %s: %v", ringID, err)
		}
		return false
	}
	return true
}

// RecordRingCancellation durably records a cancelled ring id and prunes
// entries older than the retention window in the same write.
func (d *DB) RecordRingCancellation(ringID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if _, err := d.db.Exec(
		`INSERT OR IGNORE INTO ring_cancellations (ring_id, cancelled_at) VALUES (?, ?)`,
		ringID.String(), now.UnixMilli(),
	); err != nil {
		log.Printf("DIR: record ring cancellation %s: %v", ringID, err)
		return
	}

	cutoff := now.Add(-d.retention).UnixMilli()
	if _, err := d.db.Exec(
		`DELETE FROM ring_cancellations WHERE cancelled_at < ?`, cutoff,
	); err != nil {
		log.Printf("DIR: prune ring cancellations: %v", err)
	}
}

// PruneCancellationsOlderThan removes ledger entries older than the instant.
// RecordRingCancellation already prunes opportunistically; this exists for
// hosts that want an explicit sweep (e.g. on app foreground).
func (d *DB) PruneCancellationsOlderThan(instant time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`DELETE FROM ring_cancellations WHERE cancelled_at < ?`, instant.UnixMilli(),
	)
	return err
}
