// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// SubscriptionID identifies a live filter registered with the relay pool.
type SubscriptionID string

// RideID is the identifier of a ride's confirmation event.
type RideID string

func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New().String())
}

// NewStoreKey joins key segments with ':' for use in a KVStore.
func NewStoreKey(parts ...string) string {
	return strings.Join(parts, ":")
}
