package core

import (
	"context"
	"fmt"
	"os"

	"docbase/internal/infra/store/memory"
	"docbase/internal/infra/store/postgres"
	s3store "docbase/internal/infra/store/s3"
	"docbase/internal/infra/store/sqlite"
)

// StorageDriver identifies a concrete document store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageS3       StorageDriver = "s3"       // S3-compatible object storage
)

// OpenDocumentStore selects a backend using environment variables.
// Defaults to memory when unset.
//
//	DOCBASE_STORE_DRIVER: memory|sqlite|postgres|s3 (default memory)
//	DOCBASE_SQLITE_PATH: path to sqlite file (default ./docbase.db)
//	DOCBASE_POSTGRES_DSN: postgres DSN when driver=postgres
//	DOCBASE_S3_BUCKET / DOCBASE_S3_REGION / DOCBASE_S3_ENDPOINT: s3 settings
func OpenDocumentStore(ctx context.Context) (DocumentStore, error) {
	driver := os.Getenv("DOCBASE_STORE_DRIVER")
	if driver == "" {
		driver = string(StorageMemory)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		path := os.Getenv("DOCBASE_SQLITE_PATH")
		return sqlite.NewStore(path)
	case StoragePostgres:
		dsn := os.Getenv("DOCBASE_POSTGRES_DSN")
		return postgres.NewStore(ctx, dsn)
	case StorageS3:
		return s3store.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
