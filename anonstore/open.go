package anonstore

import (
	"context"
	"fmt"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/anon"
)

// Open returns the Store selected by cfg.AnonStorage, scoped to namespace.
// Namespace identifies one anonymous visitor's buffer; the memory backend
// ignores it.
func Open(ctx context.Context, cfg *driftmail.Config, namespace string) (anon.Store, error) {
	switch cfg.AnonStorage {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisURL, namespace)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, namespace)
	default:
		return nil, fmt.Errorf("anonstore: unknown backend %q", cfg.AnonStorage)
	}
}
