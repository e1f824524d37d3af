// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a KVStore when a key has no value.
var ErrNotFound = errors.New("not found")

// KVStore is the local durable key-value store used to restore
// protocol-level parameters such as the last known relay list.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
