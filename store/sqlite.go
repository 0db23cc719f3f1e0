package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const snapshotKey = "capture"

// NewPersistent creates a store backed by a sqlite snapshot at path, so a
// restarted worker observes the pre-restart request and state. The snapshot
// is written on every mutation and loaded once at open.
func NewPersistent(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	s := New()
	p := &sqlitePersister{db: db}
	if snap, ok := p.load(); ok {
		s.request = snap.Request
		s.state = snap.State
		s.selection = snap.Selection
		s.selectionSet = snap.SelectionSet
		s.activeTarget = snap.ActiveTarget
	}
	s.persist = p
	return s, nil
}

type sqlitePersister struct {
	db *sql.DB
}

func (p *sqlitePersister) save(snap snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("store: failed to marshal snapshot: %v", err)
		return
	}
	_, err = p.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snapshotKey, string(data),
	)
	if err != nil {
		// Persistence is best-effort; the in-memory copy stays authoritative.
		log.Printf("store: failed to persist snapshot: %v", err)
	}
}

func (p *sqlitePersister) load() (snapshot, bool) {
	var raw string
	err := p.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, snapshotKey).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("store: failed to load snapshot: %v", err)
		}
		return snapshot{}, false
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("store: discarding corrupt snapshot: %v", err)
		return snapshot{}, false
	}
	return snap, true
}

func (p *sqlitePersister) close() {
	_ = p.db.Close()
}
