package ride

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/protocol"
	"github.com/user/rideline/internal/types"
)

// BackupHistory publishes the ride history encrypted to the active identity.
func (o *Orchestrator) BackupHistory(ctx context.Context, h protocol.HistoryBackup) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "BackupHistory")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err = protocol.BuildHistoryBackup(ctx, s, h)
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)
	return ev, nil
}

// RestoreHistory fetches and decrypts the newest ride history backup. It
// returns types.ErrNotFound if no relay has one.
func (o *Orchestrator) RestoreHistory(ctx context.Context) (h *protocol.HistoryBackup, err error) {
	ctx, span := o.startSpan(ctx, "RestoreHistory")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := o.fetchSlot(ctx, protocol.KindHistoryBackup, s.PublicKey(), protocol.HistorySlot)
	if err != nil {
		return nil, err
	}
	return protocol.ParseHistoryBackup(ctx, s, ev)
}

// BackupProfile publishes the profile encrypted to the active identity.
func (o *Orchestrator) BackupProfile(ctx context.Context, p protocol.ProfileBackup) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "BackupProfile")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err = protocol.BuildProfileBackup(ctx, s, p)
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)
	return ev, nil
}

// RestoreProfile fetches and decrypts the newest profile backup.
func (o *Orchestrator) RestoreProfile(ctx context.Context) (p *protocol.ProfileBackup, err error) {
	ctx, span := o.startSpan(ctx, "RestoreProfile")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := o.fetchSlot(ctx, protocol.KindProfileBackup, s.PublicKey(), protocol.ProfileSlot)
	if err != nil {
		return nil, err
	}
	return protocol.ParseProfileBackup(ctx, s, ev)
}

// FetchAdminConfig returns the newest configuration published by the
// configured admin key. No identity is needed.
func (o *Orchestrator) FetchAdminConfig(ctx context.Context) (c *protocol.AdminConfig, err error) {
	ctx, span := o.startSpan(ctx, "FetchAdminConfig")
	defer func() { endSpan(span, err) }()

	if o.cfg.AdminPubKey == "" {
		return nil, errors.New("no admin public key configured")
	}
	if err := o.pool.WaitConnected(ctx, o.cfg.ConnectTimeout); err != nil {
		return nil, ErrNoRelayReachable
	}
	ev, err := o.fetchSlot(ctx, protocol.KindAdminConfig, o.cfg.AdminPubKey, protocol.AdminConfigSlot)
	if err != nil {
		return nil, err
	}
	return protocol.ParseAdminConfig(ev)
}

// fetchSlot returns the current event in a replaceable slot.
func (o *Orchestrator) fetchSlot(ctx context.Context, kind int, author, d string) (*nostr.Event, error) {
	evs, err := o.query(ctx, nostr.Filters{protocol.SlotFilter(kind, author, d)})
	if err != nil {
		return nil, err
	}
	ev := newest(evs)
	if ev == nil {
		return nil, fmt.Errorf("kind %d %s: %w", kind, d, types.ErrNotFound)
	}
	return ev, nil
}
