// Package state provides the local key-value stores used to restore
// protocol parameters such as the last known relay list.
package state

import (
	"context"
	"fmt"

	"github.com/user/rideline/internal/types"
)

// Compile-time interface compliance checks.
var _ types.KVStore = (*FileStore)(nil)
var _ types.KVStore = (*BoltStore)(nil)
var _ types.KVStore = (*RedisStore)(nil)

// Open returns the store selected by backend: "file" (default), "bolt" or
// "redis".
func Open(ctx context.Context, backend, root, redisAddr string) (types.KVStore, error) {
	switch backend {
	case "", "file":
		return NewFileStore(root), nil
	case "bolt":
		return OpenBoltStore(root)
	case "redis":
		return OpenRedisStore(ctx, redisAddr, "")
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
