package protocol

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/ridestate"
)

// DriverRideState is a parsed driver state document.
type DriverRideState struct {
	Meta
	RideID     string
	Rider      string
	Transition string
	ridestate.DriverDocument
}

// RiderRideState is a parsed rider state document.
type RiderRideState struct {
	Meta
	RideID     string
	Driver     string
	Transition string
	ridestate.RiderDocument
}

// BuildDriverState signs the current driver document for st, encrypted to
// the rider. created_at is taken from st so successive instances strictly
// increase, and the transition tag carries the newest rider document st
// has observed.
func BuildDriverState(ctx context.Context, s identity.Signer, rider string, st *ridestate.DriverState, now int64) (*nostr.Event, error) {
	return buildState(ctx, s, KindDriverState, rider, st.RideID(), st.Transition(), st.NextCreatedAt(now), st.Document())
}

// BuildRiderState signs the current rider document for st, encrypted to
// the driver.
func BuildRiderState(ctx context.Context, s identity.Signer, driver string, st *ridestate.RiderState, now int64) (*nostr.Event, error) {
	return buildState(ctx, s, KindRiderState, driver, st.RideID(), st.Transition(), st.NextCreatedAt(now), st.Document())
}

func buildState(ctx context.Context, s identity.Signer, kind int, peer, rideID, transition string, createdAt int64, doc any) (*nostr.Event, error) {
	if rideID == "" || peer == "" {
		return nil, fmt.Errorf("%w: ride state needs ride and counterparty", ErrMissingTag)
	}
	content, err := sealContent(ctx, s, doc, peer)
	if err != nil {
		return nil, err
	}
	tags := []nostr.Tag{{"d", rideID}, {"p", peer}}
	if transition != "" {
		tags = append(tags, nostr.Tag{"transition", transition})
	}
	return sign(ctx, s, template(kind, nostr.Timestamp(createdAt), content, tags...))
}

// ParseDriverState decrypts a driver state document.
func ParseDriverState(ctx context.Context, s identity.Signer, ev *nostr.Event) (*DriverRideState, error) {
	if err := checkKind(ev, KindDriverState); err != nil {
		return nil, err
	}
	var st DriverRideState
	if err := parseState(ctx, s, ev, &st.RideID, &st.Rider, &st.Transition, &st.DriverDocument); err != nil {
		return nil, err
	}
	if !st.CurrentStatus.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrMalformed, st.CurrentStatus)
	}
	st.Meta = metaOf(ev)
	return &st, nil
}

// ParseRiderState decrypts a rider state document.
func ParseRiderState(ctx context.Context, s identity.Signer, ev *nostr.Event) (*RiderRideState, error) {
	if err := checkKind(ev, KindRiderState); err != nil {
		return nil, err
	}
	var st RiderRideState
	if err := parseState(ctx, s, ev, &st.RideID, &st.Driver, &st.Transition, &st.RiderDocument); err != nil {
		return nil, err
	}
	if !st.CurrentPhase.Valid() {
		return nil, fmt.Errorf("%w: phase %q", ErrMalformed, st.CurrentPhase)
	}
	st.Meta = metaOf(ev)
	return &st, nil
}

func parseState(ctx context.Context, s identity.Signer, ev *nostr.Event, rideID, peer, transition *string, doc any) error {
	var err error
	if *rideID, err = requireTag(ev, "d"); err != nil {
		return err
	}
	if *peer, err = requireTag(ev, "p"); err != nil {
		return err
	}
	*transition, _ = TagValue(ev, "transition")
	return openContent(ctx, s, ev, doc)
}
