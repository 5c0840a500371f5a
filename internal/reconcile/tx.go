package reconcile

import (
	"context"

	"boardpilot/api/internal/store"
)

func PostgresTx(pg *store.PostgresStore) TxFunc {
	return func(ctx context.Context, fn func(GraphStore) error) error {
		return pg.InTx(ctx, func(tx *store.PostgresStore) error { return fn(tx) })
	}
}

func MemoryTx(mem *store.MemoryStore) TxFunc {
	return func(ctx context.Context, fn func(GraphStore) error) error {
		return mem.InTx(ctx, func(tx *store.MemoryStore) error { return fn(tx) })
	}
}
