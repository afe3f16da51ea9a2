package history

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend. dir is used by the jsonl backend; dsn
// by sqlite, defaulting to history.db under dir.
func Open(ctx context.Context, backend, dir, dsn string) (Store, error) {
	switch backend {
	case "", BackendJSONL:
		return NewFileStore(dir)
	case BackendSQLite:
		if dsn == "" {
			dsn = filepath.Join(dir, "history.db")
		}
		return NewSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown history backend: %s", backend)
	}
}
