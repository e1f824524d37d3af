package protocol

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/types"
)

// RideRecord is one finished ride in the history backup.
type RideRecord struct {
	RideID       string          `json:"ride_id"`
	Role         string          `json:"role"`
	Counterparty string          `json:"counterparty"`
	Status       string          `json:"status"`
	Fare         int64           `json:"fare"`
	Pickup       *types.Location `json:"pickup,omitempty"`
	Destination  *types.Location `json:"destination,omitempty"`
	CompletedAt  int64           `json:"completed_at"`
}

// HistoryBackup is the self-encrypted list of the author's past rides.
type HistoryBackup struct {
	Meta
	Rides     []RideRecord `json:"rides"`
	UpdatedAt int64        `json:"updated_at"`
}

// SavedLocation is a named place in the profile backup.
type SavedLocation struct {
	Label    string         `json:"label"`
	Location types.Location `json:"location"`
}

// ProfileBackup is the self-encrypted user profile.
type ProfileBackup struct {
	Meta
	DisplayName    string            `json:"display_name,omitempty"`
	Vehicles       []Vehicle         `json:"vehicles,omitempty"`
	SavedLocations []SavedLocation   `json:"saved_locations,omitempty"`
	Settings       map[string]string `json:"settings,omitempty"`
	UpdatedAt      int64             `json:"updated_at"`
}

// BuildHistoryBackup signs the ride history encrypted to the author.
func BuildHistoryBackup(ctx context.Context, s identity.Signer, h HistoryBackup) (*nostr.Event, error) {
	return buildSelf(ctx, s, KindHistoryBackup, HistorySlot, h)
}

// ParseHistoryBackup decrypts the author's own ride history.
func ParseHistoryBackup(ctx context.Context, s identity.Signer, ev *nostr.Event) (*HistoryBackup, error) {
	var h HistoryBackup
	if err := parseSelf(ctx, s, ev, KindHistoryBackup, HistorySlot, &h); err != nil {
		return nil, err
	}
	h.Meta = metaOf(ev)
	return &h, nil
}

// BuildProfileBackup signs the profile encrypted to the author.
func BuildProfileBackup(ctx context.Context, s identity.Signer, p ProfileBackup) (*nostr.Event, error) {
	return buildSelf(ctx, s, KindProfileBackup, ProfileSlot, p)
}

// ParseProfileBackup decrypts the author's own profile.
func ParseProfileBackup(ctx context.Context, s identity.Signer, ev *nostr.Event) (*ProfileBackup, error) {
	var p ProfileBackup
	if err := parseSelf(ctx, s, ev, KindProfileBackup, ProfileSlot, &p); err != nil {
		return nil, err
	}
	p.Meta = metaOf(ev)
	return &p, nil
}

func buildSelf(ctx context.Context, s identity.Signer, kind int, slot string, v any) (*nostr.Event, error) {
	content, err := sealContent(ctx, s, v, s.PublicKey())
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(kind, 0, content, nostr.Tag{"d", slot}))
}

func parseSelf(ctx context.Context, s identity.Signer, ev *nostr.Event, kind int, slot string, v any) error {
	if err := checkKind(ev, kind); err != nil {
		return err
	}
	if d, _ := TagValue(ev, "d"); d != slot {
		return fmt.Errorf("%w: d=%q", ErrMissingTag, d)
	}
	return openSelf(ctx, s, ev, v)
}
