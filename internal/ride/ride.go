package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/protocol"
	"github.com/user/rideline/internal/ridestate"
	"github.com/user/rideline/internal/types"
)

// Role is which side of a ride the local identity is on.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// Handler receives counterpart traffic for a tracked ride. Nil fields are
// skipped. Callbacks run on the orchestrator's worker lanes.
type Handler struct {
	DriverState func(*protocol.DriverRideState)
	RiderState  func(*protocol.RiderRideState)
	Chat        func(*protocol.Chat)
	Cancelled   func(*protocol.Cancellation)
}

// Ride is a ride the local identity takes part in.
type Ride struct {
	ID           types.RideID
	Role         Role
	Counterparty string

	driver  *ridestate.DriverState
	rider   *ridestate.RiderState
	latest  *protocol.Latest
	handler Handler
	subs    []string
}

// DriverState returns the local driver document, or nil for a rider.
func (r *Ride) DriverState() *ridestate.DriverState { return r.driver }

// RiderState returns the local rider document, or nil for a driver.
func (r *Ride) RiderState() *ridestate.RiderState { return r.rider }

// Counterpart returns the newest counterpart state document seen so far.
func (r *Ride) Counterpart() (*nostr.Event, bool) {
	kind := protocol.KindRiderState
	if r.Role == RoleRider {
		kind = protocol.KindDriverState
	}
	return r.latest.Current(protocol.Slot{PubKey: r.Counterparty, Kind: kind, D: string(r.ID)})
}

// Ended reports whether the local document has reached a terminal state.
func (r *Ride) Ended() bool {
	if r.driver != nil {
		return r.driver.Status().Terminal()
	}
	return r.rider.Phase().Terminal()
}

// ConfirmRide commits the rider to an accepted offer. The confirmation's
// event id becomes the ride id; the rider's first state document is
// published and the driver's documents, chat and cancellations are
// tracked until CloseRide.
func (o *Orchestrator) ConfirmRide(ctx context.Context, acc *protocol.Acceptance, pickup *types.Location, paymentHash string, h Handler) (ride *Ride, err error) {
	ctx, span := o.startSpan(ctx, "ConfirmRide", attribute.String("rideline.acceptance_id", acc.EventID))
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := protocol.BuildConfirmation(ctx, s, protocol.Confirmation{
		AcceptanceID:  acc.EventID,
		Driver:        acc.PubKey,
		PrecisePickup: pickup,
		PaymentHash:   paymentHash,
	})
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)

	ride = &Ride{
		ID:           types.RideID(ev.ID),
		Role:         RoleRider,
		Counterparty: acc.PubKey,
		rider:        ridestate.NewRiderState(ev.ID, int64(ev.CreatedAt)),
		latest:       protocol.NewLatest(),
		handler:      h,
	}
	if err := o.startRide(ctx, span, s, ride); err != nil {
		return nil, err
	}
	return ride, nil
}

// BeginRide starts the driver's side of a ride from a received
// confirmation.
func (o *Orchestrator) BeginRide(ctx context.Context, conf *protocol.Confirmation, h Handler) (ride *Ride, err error) {
	ctx, span := o.startSpan(ctx, "BeginRide", attribute.String("rideline.ride_id", conf.EventID))
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ride = &Ride{
		ID:           conf.RideID(),
		Role:         RoleDriver,
		Counterparty: conf.PubKey,
		driver:       ridestate.NewDriverState(conf.EventID, time.Now().Unix()),
		latest:       protocol.NewLatest(),
		handler:      h,
	}
	if err := o.startRide(ctx, span, s, ride); err != nil {
		return nil, err
	}
	return ride, nil
}

// startRide builds the initial local document, opens the ride's
// subscriptions and registers it. Nothing stays tracked or subscribed when
// it fails.
func (o *Orchestrator) startRide(ctx context.Context, span trace.Span, s identity.Signer, ride *Ride) error {
	rideID := string(ride.ID)
	if _, err := o.Ride(ride.ID); err == nil {
		return fmt.Errorf("ride %s already tracked", rideID)
	}
	ev, err := o.buildState(ctx, s, ride)
	if err != nil {
		return err
	}

	counterpartKind := protocol.KindRiderState
	if ride.Role == RoleRider {
		counterpartKind = protocol.KindDriverState
	}
	ride.subs = []string{
		o.subscribe("state", nostr.Filters{protocol.RideStateFilter(counterpartKind, ride.Counterparty, rideID)},
			func(ctx context.Context, ev *nostr.Event) error { return o.onCounterpartState(ctx, s, ride, ev) }),
		o.subscribe("chat", nostr.Filters{protocol.ChatFilter(rideID)},
			func(ctx context.Context, ev *nostr.Event) error { return o.onChat(ctx, s, ride, ev) }),
		o.subscribe("cancel", nostr.Filters{protocol.CancellationFilter(rideID, s.PublicKey())},
			func(ctx context.Context, ev *nostr.Event) error { return o.onCancellation(ctx, s, ride, ev) }),
	}

	o.mu.Lock()
	if _, exists := o.rides[rideID]; exists {
		o.mu.Unlock()
		for _, sub := range ride.subs {
			o.Unsubscribe(sub)
		}
		return fmt.Errorf("ride %s already tracked", rideID)
	}
	o.rides[rideID] = ride
	o.mu.Unlock()

	o.publish(span, ev)
	o.logger.Info("ride started", "ride_id", rideID, "role", ride.Role)
	return nil
}

func (o *Orchestrator) onCounterpartState(ctx context.Context, s identity.Signer, ride *Ride, ev *nostr.Event) error {
	if ev.PubKey != ride.Counterparty {
		return nil
	}
	// Only documents that decode may become the counterpart's current one.
	switch ride.Role {
	case RoleRider:
		st, err := protocol.ParseDriverState(ctx, s, ev)
		if err != nil {
			o.logger.Debug("driver state dropped", "event_id", ev.ID, "error", err)
			return nil
		}
		if !ride.latest.Offer(ev) {
			return nil
		}
		ride.rider.ObserveCounterpart(st.Ref())
		if ride.handler.DriverState != nil {
			ride.handler.DriverState(st)
		}
	case RoleDriver:
		st, err := protocol.ParseRiderState(ctx, s, ev)
		if err != nil {
			o.logger.Debug("rider state dropped", "event_id", ev.ID, "error", err)
			return nil
		}
		if !ride.latest.Offer(ev) {
			return nil
		}
		ride.driver.ObserveCounterpart(st.Ref())
		if ride.handler.RiderState != nil {
			ride.handler.RiderState(st)
		}
	}
	return nil
}

func (o *Orchestrator) onChat(ctx context.Context, s identity.Signer, ride *Ride, ev *nostr.Event) error {
	if ev.PubKey != ride.Counterparty && ev.PubKey != s.PublicKey() {
		return nil
	}
	chat, err := protocol.ParseChat(ctx, s, ev)
	if err != nil {
		o.logger.Debug("chat dropped", "event_id", ev.ID, "error", err)
		return nil
	}
	if ride.handler.Chat != nil {
		ride.handler.Chat(chat)
	}
	return nil
}

// onCancellation ends the local document without publishing it; the
// counterpart already knows.
func (o *Orchestrator) onCancellation(ctx context.Context, s identity.Signer, ride *Ride, ev *nostr.Event) error {
	if ev.PubKey != ride.Counterparty {
		return nil
	}
	c, err := protocol.ParseCancellation(ctx, s, ev)
	if err != nil {
		o.logger.Debug("cancellation dropped", "event_id", ev.ID, "error", err)
		return nil
	}
	now := time.Now().Unix()
	if ride.driver != nil {
		_ = ride.driver.SetStatus(ridestate.DriverCancelled, now, nil)
	} else {
		_ = ride.rider.SetPhase(ridestate.RiderCancelled, now)
	}
	o.logger.Info("ride cancelled by counterparty", "ride_id", ride.ID, "reason", c.Reason)
	if ride.handler.Cancelled != nil {
		ride.handler.Cancelled(c)
	}
	return nil
}

func (o *Orchestrator) buildState(ctx context.Context, s identity.Signer, ride *Ride) (*nostr.Event, error) {
	now := time.Now().Unix()
	if ride.driver != nil {
		return protocol.BuildDriverState(ctx, s, ride.Counterparty, ride.driver, now)
	}
	return protocol.BuildRiderState(ctx, s, ride.Counterparty, ride.rider, now)
}

// Ride returns a tracked ride.
func (o *Orchestrator) Ride(id types.RideID) (*Ride, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ride, ok := o.rides[string(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRide, id)
	}
	return ride, nil
}

// mutate applies fn to a tracked ride and republishes the local document.
func (o *Orchestrator) mutate(ctx context.Context, name string, id types.RideID, role Role, fn func(r *Ride, s identity.Signer, now int64) error) (err error) {
	ctx, span := o.startSpan(ctx, name, attribute.String("rideline.ride_id", string(id)))
	defer func() { endSpan(span, err) }()

	ride, err := o.Ride(id)
	if err != nil {
		return err
	}
	if ride.Role != role {
		return fmt.Errorf("%w: ride %s is held as %s, not %s", ridestate.ErrInvalidTransition, id, ride.Role, role)
	}
	s, err := o.writable(ctx)
	if err != nil {
		return err
	}
	if err := fn(ride, s, time.Now().Unix()); err != nil {
		return err
	}
	ev, err := o.buildState(ctx, s, ride)
	if err != nil {
		return err
	}
	o.publish(span, ev)
	return nil
}

// UpdateDriverStatus moves the driver's document forward and republishes it.
func (o *Orchestrator) UpdateDriverStatus(ctx context.Context, id types.RideID, status ridestate.DriverStatus, loc *types.Location) error {
	return o.mutate(ctx, "UpdateDriverStatus", id, RoleDriver, func(r *Ride, _ identity.Signer, now int64) error {
		return r.driver.SetStatus(status, now, loc)
	})
}

// SubmitPin records the PIN the rider showed the driver, encrypted to the
// rider.
func (o *Orchestrator) SubmitPin(ctx context.Context, id types.RideID, pin string) error {
	return o.mutate(ctx, "SubmitPin", id, RoleDriver, func(r *Ride, s identity.Signer, now int64) error {
		ct, err := s.Encrypt(ctx, pin, r.Counterparty)
		if err != nil {
			return err
		}
		return r.driver.SubmitPin(ct, now)
	})
}

// RecordSettlement records the driver's claim of payment.
func (o *Orchestrator) RecordSettlement(ctx context.Context, id types.RideID, amount int64, proof string) error {
	return o.mutate(ctx, "RecordSettlement", id, RoleDriver, func(r *Ride, _ identity.Signer, now int64) error {
		return r.driver.RecordSettlement(amount, proof, now)
	})
}

// UpdateRiderPhase moves the rider's document forward and republishes it.
func (o *Orchestrator) UpdateRiderPhase(ctx context.Context, id types.RideID, phase ridestate.RiderPhase) error {
	return o.mutate(ctx, "UpdateRiderPhase", id, RoleRider, func(r *Ride, _ identity.Signer, now int64) error {
		return r.rider.SetPhase(phase, now)
	})
}

// VerifyPin decrypts the driver's latest PIN submission, compares it with
// expected and records the outcome. It reports whether the PIN matched.
func (o *Orchestrator) VerifyPin(ctx context.Context, id types.RideID, expected string) (bool, error) {
	var matched bool
	err := o.mutate(ctx, "VerifyPin", id, RoleRider, func(r *Ride, s identity.Signer, now int64) error {
		ev, ok := r.Counterpart()
		if !ok {
			return errors.New("no driver state received yet")
		}
		st, err := protocol.ParseDriverState(ctx, s, ev)
		if err != nil {
			return err
		}
		sub, ok := ridestate.LatestPinSubmission(st.History)
		if !ok {
			return errors.New("driver has not submitted a PIN")
		}
		pin, err := s.Decrypt(ctx, sub.PinEncrypted, r.Counterparty)
		if err != nil {
			return err
		}
		matched = pin == expected
		attempt := len(ridestate.EntriesOf[ridestate.PinVerifyEntry](r.rider.History())) + 1
		return r.rider.VerifyPin(matched, attempt, now)
	})
	return matched, err
}

// RevealLocation discloses a precise location to the driver.
func (o *Orchestrator) RevealLocation(ctx context.Context, id types.RideID, locationType string, loc types.Location) error {
	return o.mutate(ctx, "RevealLocation", id, RoleRider, func(r *Ride, _ identity.Signer, now int64) error {
		return r.rider.RevealLocation(locationType, loc, now)
	})
}

// SharePreimage releases the payment preimage, encrypted to the driver.
func (o *Orchestrator) SharePreimage(ctx context.Context, id types.RideID, preimage string) error {
	return o.mutate(ctx, "SharePreimage", id, RoleRider, func(r *Ride, s identity.Signer, now int64) error {
		ct, err := s.Encrypt(ctx, preimage, r.Counterparty)
		if err != nil {
			return err
		}
		return r.rider.SharePreimage(ct, now)
	})
}

// SendChat sends an encrypted message to the counterparty.
func (o *Orchestrator) SendChat(ctx context.Context, id types.RideID, message string) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "SendChat", attribute.String("rideline.ride_id", string(id)))
	defer func() { endSpan(span, err) }()

	ride, err := o.Ride(id)
	if err != nil {
		return nil, err
	}
	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err = protocol.BuildChat(ctx, s, protocol.Chat{RideID: string(id), Recipient: ride.Counterparty, Message: message})
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)
	return ev, nil
}

// CancelRide tells the counterparty the ride is off and publishes a
// cancelled local document.
func (o *Orchestrator) CancelRide(ctx context.Context, id types.RideID, reason string) (err error) {
	ctx, span := o.startSpan(ctx, "CancelRide", attribute.String("rideline.ride_id", string(id)))
	defer func() { endSpan(span, err) }()

	ride, err := o.Ride(id)
	if err != nil {
		return err
	}
	s, err := o.writable(ctx)
	if err != nil {
		return err
	}

	// The terminal check comes first: a ride that already ended must not
	// reach the counterparty as cancelled.
	now := time.Now().Unix()
	if ride.driver != nil {
		err = ride.driver.SetStatus(ridestate.DriverCancelled, now, nil)
	} else {
		err = ride.rider.SetPhase(ridestate.RiderCancelled, now)
	}
	if err != nil {
		return err
	}

	ev, err := protocol.BuildCancellation(ctx, s, protocol.Cancellation{
		RideID:    string(id),
		Recipient: ride.Counterparty,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	o.publish(span, ev)

	state, err := o.buildState(ctx, s, ride)
	if err != nil {
		return err
	}
	o.publish(span, state)
	return nil
}

// CloseRide stops tracking a ride and closes its subscriptions.
func (o *Orchestrator) CloseRide(id types.RideID) error {
	o.mu.Lock()
	ride, ok := o.rides[string(id)]
	delete(o.rides, string(id))
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRide, id)
	}
	for _, sub := range ride.subs {
		o.Unsubscribe(sub)
	}
	if ev, ok := ride.Counterpart(); ok {
		ride.latest.Forget(protocol.SlotOf(ev))
	}
	return nil
}
