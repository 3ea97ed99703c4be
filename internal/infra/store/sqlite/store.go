// Package sqlite provides a SQLite-backed document store. It reuses the
// in-memory store for batch semantics and snapshots the committed state to a
// single table after every successful batch.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"docbase/internal/infra/store/memory"
	"docbase/pkg/session"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the session collaborator interface.
var _ session.DocumentStore = (*Store)(nil)

// Store persists the in-memory document state as JSON rows, one per document,
// plus a sequence row carrying the ETag counter.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the in-memory
// state from any existing snapshot.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "docbase.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next_etag INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create sequence table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	snapshot := memory.Snapshot{Documents: make(map[string]memory.SnapshotDocument)}
	rows, err := s.db.Query(`SELECT key, payload FROM documents`)
	if err != nil {
		return fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var fold string
		var payload []byte
		if err := rows.Scan(&fold, &payload); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		var doc memory.SnapshotDocument
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("decode document %s: %w", fold, err)
		}
		snapshot.Documents[fold] = doc
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}
	err = s.db.QueryRow(`SELECT next_etag FROM sequence WHERE id = 1`).Scan(&snapshot.NextETag)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("select sequence: %w", err)
	}
	if len(snapshot.Documents) == 0 && snapshot.NextETag == 0 {
		return nil
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.Exec(`DELETE FROM documents`); err != nil {
		retErr = fmt.Errorf("clear documents: %w", err)
		return retErr
	}
	for fold, doc := range snapshot.Documents {
		payload, err := json.Marshal(doc)
		if err != nil {
			retErr = fmt.Errorf("encode document %s: %w", fold, err)
			return retErr
		}
		if _, err := tx.Exec(`INSERT INTO documents(key,payload) VALUES(?,?)`, fold, payload); err != nil {
			retErr = fmt.Errorf("insert %s: %w", fold, err)
			return retErr
		}
	}
	if _, err := tx.Exec(`INSERT INTO sequence(id,next_etag) VALUES(1,?) ON CONFLICT(id) DO UPDATE SET next_etag=excluded.next_etag`, snapshot.NextETag); err != nil {
		retErr = fmt.Errorf("upsert sequence: %w", err)
		return retErr
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// ExecuteBatch applies the batch in memory, then snapshots the committed
// state to SQLite if successful.
func (s *Store) ExecuteBatch(ctx context.Context, commands []session.Command) ([]session.CommandResult, error) {
	results, err := s.Store.ExecuteBatch(ctx, commands)
	if err != nil {
		return results, err
	}
	if pErr := s.persist(); pErr != nil {
		return results, pErr
	}
	return results, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
