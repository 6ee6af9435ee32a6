package persona

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// BackendJSON selects JSONBackend.
	BackendJSON = "json"
	// BackendSQLite selects SQLiteBackend.
	BackendSQLite = "sqlite"
)

// OpenBackend constructs the backend named kind at path. An empty kind
// selects BackendJSON.
func OpenBackend(ctx context.Context, kind string, path string, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", BackendJSON:
		return NewJSONBackend(path, logger), nil
	case BackendSQLite:
		backend, err := OpenSQLiteBackend(ctx, path)
		if err != nil {
			return nil, err
		}

		return backend, nil
	default:
		return nil, fmt.Errorf("open persona backend: unsupported backend %q", kind)
	}
}
