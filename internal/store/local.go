// Package store provides the SQLite-backed persistence for specHOUND.
// One database file holds four logical partitions, each with a single
// owning component: the evidence index (documents/chunks/facts + FTS),
// the URL frontier, the automation queue, and the learning stores.
// Partitions never reach into each other's tables.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"spechound/internal/logging"
)

// Local wraps the SQLite database and hands out partition accessors.
type Local struct {
	db     *sql.DB
	mu     sync.Mutex // single-writer discipline across partitions
	dbPath string

	evidence *EvidenceStore
	frontier *FrontierStore
	queue    *QueueStore
	learning *LearningStore
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Local, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening local store at: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Local{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.evidence = &EvidenceStore{local: s}
	s.frontier = &FrontierStore{local: s}
	s.queue = &QueueStore{local: s}
	s.learning = &LearningStore{local: s}

	logging.Store("Local store ready (evidence, frontier, queue, learning partitions)")
	return s, nil
}

// Evidence returns the evidence index partition.
func (s *Local) Evidence() *EvidenceStore { return s.evidence }

// Frontier returns the URL frontier partition.
func (s *Local) Frontier() *FrontierStore { return s.frontier }

// Queue returns the automation queue partition.
func (s *Local) Queue() *QueueStore { return s.queue }

// Learning returns the learning stores partition.
func (s *Local) Learning() *LearningStore { return s.learning }

// Close closes the underlying database.
func (s *Local) Close() error {
	logging.Store("Closing local store: %s", s.dbPath)
	return s.db.Close()
}

// exec serializes writes under the store mutex.
func (s *Local) exec(query string, args ...interface{}) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// withTx runs fn inside a write transaction under the store mutex.
func (s *Local) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
