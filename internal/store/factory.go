package store

import (
	"context"
	"strings"
)

// NewStore picks a backend: postgres when databaseURL is set, otherwise
// badger when badgerPath is set, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, badgerPath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(badgerPath) != "" {
		return OpenBadgerStore(strings.TrimSpace(badgerPath))
	}
	return NewMemoryStore(), nil
}
