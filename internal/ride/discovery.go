package ride

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/rideline/internal/protocol"
)

// PublishAvailability announces the driver as available near a.Location.
func (o *Orchestrator) PublishAvailability(ctx context.Context, a protocol.Availability) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "PublishAvailability")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	a.Status = protocol.StatusAvailable
	ev, err = protocol.BuildAvailability(ctx, s, a)
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)

	o.mu.Lock()
	o.availability = append(o.availability, ev.ID)
	o.mu.Unlock()
	return ev, nil
}

// GoOffline replaces the driver's availability with an offline document and
// asks relays to delete the availability events published so far.
func (o *Orchestrator) GoOffline(ctx context.Context) (err error) {
	ctx, span := o.startSpan(ctx, "GoOffline")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return err
	}
	ev, err := protocol.BuildAvailability(ctx, s, protocol.Availability{Status: protocol.StatusOffline})
	if err != nil {
		return err
	}
	o.publish(span, ev)

	o.mu.Lock()
	old := o.availability
	o.availability = nil
	o.mu.Unlock()
	if len(old) == 0 {
		return nil
	}
	del, err := protocol.BuildDeletion(ctx, s, protocol.Deletion{
		Targets: old,
		Kinds:   []int{protocol.KindAvailability},
		Reason:  "offline",
	})
	if err != nil {
		return err
	}
	o.publish(span, del)
	return nil
}

// BroadcastRideRequest publishes a public request any nearby driver can see.
func (o *Orchestrator) BroadcastRideRequest(ctx context.Context, r protocol.RideRequest) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "BroadcastRideRequest")
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err = protocol.BuildRideRequest(ctx, s, r)
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)
	return ev, nil
}

// SendOffer sends an encrypted ride offer to o.Driver.
func (o *Orchestrator) SendOffer(ctx context.Context, offer protocol.Offer) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "SendOffer", attribute.String("rideline.driver", offer.Driver))
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err = protocol.BuildOffer(ctx, s, offer)
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)
	return ev, nil
}

// AcceptOffer answers a received offer.
func (o *Orchestrator) AcceptOffer(ctx context.Context, offer *protocol.Offer, walletPubKey string) (ev *nostr.Event, err error) {
	ctx, span := o.startSpan(ctx, "AcceptOffer", attribute.String("rideline.offer_id", offer.EventID))
	defer func() { endSpan(span, err) }()

	s, err := o.writable(ctx)
	if err != nil {
		return nil, err
	}
	ev, err = protocol.BuildAcceptance(ctx, s, protocol.Acceptance{
		OfferID:       offer.EventID,
		Rider:         offer.PubKey,
		WalletPubKey:  walletPubKey,
		PaymentMethod: offer.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}
	o.publish(span, ev)
	return ev, nil
}

// SubscribeAvailability streams driver availability tagged with cell since
// the given time. Offline documents are delivered too so callers can drop
// the driver.
func (o *Orchestrator) SubscribeAvailability(cell string, since time.Time, fn func(*protocol.Availability)) string {
	return o.subscribe("availability", nostr.Filters{protocol.AvailabilityFilter(cell, since)},
		func(ctx context.Context, ev *nostr.Event) error {
			a, err := protocol.ParseAvailability(ev)
			if err != nil {
				o.logger.Debug("availability dropped", "event_id", ev.ID, "error", err)
				return nil
			}
			fn(a)
			return nil
		})
}

// SubscribeRideRequests streams public ride requests tagged with cell.
func (o *Orchestrator) SubscribeRideRequests(cell string, since time.Time, fn func(*protocol.RideRequest)) string {
	return o.subscribe("requests", nostr.Filters{protocol.RideRequestFilter(cell, since)},
		func(ctx context.Context, ev *nostr.Event) error {
			r, err := protocol.ParseRideRequest(ev)
			if err != nil {
				o.logger.Debug("ride request dropped", "event_id", ev.ID, "error", err)
				return nil
			}
			fn(r)
			return nil
		})
}

// SubscribeOffers streams offers addressed to the active identity. It is
// the driver's inbox.
func (o *Orchestrator) SubscribeOffers(since time.Time, fn func(*protocol.Offer)) (string, error) {
	s, err := o.identity()
	if err != nil {
		return "", err
	}
	return o.subscribe("offers", nostr.Filters{protocol.OfferInboxFilter(s.PublicKey(), since)},
		func(ctx context.Context, ev *nostr.Event) error {
			offer, err := protocol.ParseOffer(ctx, s, ev)
			if err != nil {
				o.logger.Debug("offer dropped", "event_id", ev.ID, "error", err)
				return nil
			}
			fn(offer)
			return nil
		}), nil
}

// SubscribeInbox streams every event of the given kinds addressed to us
// since t. handle runs on the worker pool and receives the raw event.
func (o *Orchestrator) SubscribeInbox(kinds []int, since time.Time, handle func(ctx context.Context, ev *nostr.Event) error) (string, error) {
	s, err := o.identity()
	if err != nil {
		return "", err
	}
	return o.subscribe("inbox", nostr.Filters{protocol.InboxFilter(kinds, s.PublicKey(), since)}, handle), nil
}

// SubscribeAcceptances streams the driver's answers to one of our offers.
func (o *Orchestrator) SubscribeAcceptances(offer *nostr.Event, driver string, fn func(*protocol.Acceptance)) (string, error) {
	s, err := o.identity()
	if err != nil {
		return "", err
	}
	return o.subscribe("acceptances", nostr.Filters{protocol.AcceptanceFilter(offer.ID, driver)},
		func(ctx context.Context, ev *nostr.Event) error {
			acc, err := protocol.ParseAcceptance(ctx, s, ev)
			if err != nil {
				o.logger.Debug("acceptance dropped", "event_id", ev.ID, "error", err)
				return nil
			}
			fn(acc)
			return nil
		}), nil
}

// SubscribeConfirmations streams rider confirmations addressed to the
// active identity, optionally narrowed to one acceptance.
func (o *Orchestrator) SubscribeConfirmations(acceptanceID string, fn func(*protocol.Confirmation)) (string, error) {
	s, err := o.identity()
	if err != nil {
		return "", err
	}
	return o.subscribe("confirmations", nostr.Filters{protocol.ConfirmationFilter(s.PublicKey(), acceptanceID)},
		func(ctx context.Context, ev *nostr.Event) error {
			conf, err := protocol.ParseConfirmation(ctx, s, ev)
			if err != nil {
				o.logger.Debug("confirmation dropped", "event_id", ev.ID, "error", err)
				return nil
			}
			fn(conf)
			return nil
		}), nil
}
