package history

import (
	"context"
	"fmt"
)

// Backend names accepted by [Open].
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open returns the store for backend. dsn is a file path for sqlite and a
// connection string for postgres; memory ignores it.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, dsn)
	case BackendPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("history: unknown backend %q", backend)
	}
}
