package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/user/rideline/internal/types"
)

var relayListKey = types.NewStoreKey("relays", "last-known")

// RelayList persists the last known relay set in a KVStore so a restart
// reconnects to the relays that were in use, not only the configured ones.
type RelayList struct {
	store types.KVStore
}

func NewRelayList(store types.KVStore) *RelayList {
	return &RelayList{store: store}
}

// Load returns the saved relay URLs, or nil if none were saved.
func (l *RelayList) Load(ctx context.Context) ([]string, error) {
	data, err := l.store.Get(ctx, relayListKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("unmarshal relay list: %w", err)
	}
	return urls, nil
}

// Save stores urls, sorted and de-duplicated.
func (l *RelayList) Save(ctx context.Context, urls []string) error {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Strings(out)
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal relay list: %w", err)
	}
	return l.store.Put(ctx, relayListKey, data)
}

// Merge returns the union of configured and saved relays, configured
// first.
func Merge(configured, saved []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{configured, saved} {
		for _, u := range list {
			if u != "" && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}
