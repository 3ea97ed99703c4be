// Package postgres provides a Postgres-backed document store that mirrors the
// in-memory batch semantics while snapshotting committed state to JSONB rows.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"docbase/internal/infra/store/memory"
	"docbase/pkg/session"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the session collaborator interface.
var _ session.DocumentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenDocumentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/docbase?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation
// for batch application.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot tables exist, and hydrates the
// in-memory store from any existing snapshot.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTables(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	if len(snapshot.Documents) > 0 || snapshot.NextETag > 0 {
		mem.ImportState(snapshot)
	}
	return &Store{Store: mem, db: db}, nil
}

func ensureTables(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next_etag BIGINT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{Documents: make(map[string]memory.SnapshotDocument)}
	rows, err := db.QueryContext(ctx, `SELECT key, payload FROM documents`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var fold string
		var payload []byte
		if err := rows.Scan(&fold, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan document: %w", err)
		}
		var doc memory.SnapshotDocument
		if err := json.Unmarshal(payload, &doc); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", fold, err)
		}
		snapshot.Documents[fold] = doc
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate documents: %w", err)
	}
	err = db.QueryRowContext(ctx, `SELECT next_etag FROM sequence WHERE id = 1`).Scan(&snapshot.NextETag)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return memory.Snapshot{}, fmt.Errorf("select sequence: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	for fold, doc := range snapshot.Documents {
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", fold, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents(key,payload) VALUES($1,$2)`, fold, payload); err != nil {
			return fmt.Errorf("insert %s: %w", fold, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sequence(id,next_etag) VALUES(1,$1) ON CONFLICT(id) DO UPDATE SET next_etag=EXCLUDED.next_etag`, snapshot.NextETag); err != nil {
		return fmt.Errorf("upsert sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// ExecuteBatch applies the batch in memory, then snapshots to Postgres if
// successful.
func (s *Store) ExecuteBatch(ctx context.Context, commands []session.Command) ([]session.CommandResult, error) {
	results, err := s.Store.ExecuteBatch(ctx, commands)
	if err != nil {
		return results, err
	}
	if pErr := s.persist(ctx); pErr != nil {
		return results, pErr
	}
	return results, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
