package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database. It
// uses modernc.org/sqlite, which is pure Go (no cgo), matching the
// teacher's own choice of embedded database driver.
//
// Pub/sub fan-out is in-process only: a single SQLite file backs one
// server process, so Subscribe/Publish here serve the single-replica
// deployment directly. A multi-replica deployment would swap SQLiteStore
// for a networked KV+pub/sub store behind the same Store interface
// (§9 "dynamic dispatch"); see DESIGN.md.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex // serializes writes; SQLite is single-writer

	subMu  sync.Mutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/sshx.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "sshx.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY, matching the
	// teacher's posture on its own SQLite-backed store.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:   db,
		subs: make(map[string]map[uint64]chan Event),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		version INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating snapshots table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(_ context.Context, key string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	err := s.db.QueryRow(`SELECT value, version FROM snapshots WHERE key = ?`, key).
		Scan(&snap.Value, &snap.Version)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying snapshot %q: %w", key, err)
	}
	return snap, nil
}

func (s *SQLiteStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO snapshots (key, value, version) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = snapshots.version + 1`,
		key, value)
	if err != nil {
		return 0, fmt.Errorf("writing snapshot %q: %w", key, err)
	}
	_ = res
	return s.currentVersion(key)
}

func (s *SQLiteStore) CAS(_ context.Context, key string, expectedVersion uint64, next []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion == 0 {
		res, err := s.db.Exec(
			`INSERT INTO snapshots (key, value, version) VALUES (?, ?, 1)
			 ON CONFLICT(key) DO NOTHING`, key, next)
		if err != nil {
			return 0, fmt.Errorf("creating snapshot %q: %w", key, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return 0, ErrVersionMismatch
		}
		return 1, nil
	}

	res, err := s.db.Exec(
		`UPDATE snapshots SET value = ?, version = version + 1
		 WHERE key = ? AND version = ?`, next, key, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("updating snapshot %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrVersionMismatch
	}
	return expectedVersion + 1, nil
}

func (s *SQLiteStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) currentVersion(key string) (uint64, error) {
	var version uint64
	err := s.db.QueryRow(`SELECT version FROM snapshots WHERE key = ?`, key).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading version for %q: %w", key, err)
	}
	return version, nil
}

func (s *SQLiteStore) Subscribe(_ context.Context, topic string) (<-chan Event, func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subs[topic] == nil {
		s.subs[topic] = make(map[uint64]chan Event)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 64)
	s.subs[topic][id] = ch

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if subs, ok := s.subs[topic]; ok {
			if c, ok := subs[id]; ok {
				close(c)
				delete(subs, id)
			}
		}
	}
	return ch, unsubscribe, nil
}

func (s *SQLiteStore) Publish(_ context.Context, topic, key string, data []byte) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[topic] {
		select {
		case ch <- Event{Key: key, Data: data}:
		default: // drop for a subscriber that isn't keeping up
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.subMu.Lock()
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string]map[uint64]chan Event)
	s.subMu.Unlock()

	return s.db.Close()
}
