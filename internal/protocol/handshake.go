package protocol

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/types"
)

// Offer is a rider's ride proposal sent to one driver.
type Offer struct {
	Meta
	Driver         string         `json:"-"`
	AvailabilityID string         `json:"-"`
	Pickup         types.Location `json:"pickup"`
	Destination    types.Location `json:"destination"`
	FareEstimate   int64          `json:"fare_estimate"`
	DistanceKm     float64        `json:"distance_km,omitempty"`
	DurationMin    float64        `json:"duration_min,omitempty"`
	PaymentHash    string         `json:"payment_hash,omitempty"`
	PaymentMethod  string         `json:"payment_method,omitempty"`
	Note           string         `json:"note,omitempty"`
}

// BuildOffer signs an offer encrypted to o.Driver. AvailabilityID, if set,
// references the availability document being answered.
func BuildOffer(ctx context.Context, s identity.Signer, o Offer) (*nostr.Event, error) {
	if o.Driver == "" {
		return nil, fmt.Errorf("%w: offer needs a driver", ErrMissingTag)
	}
	content, err := sealContent(ctx, s, o, o.Driver)
	if err != nil {
		return nil, err
	}
	tags := []nostr.Tag{{"p", o.Driver}}
	if o.AvailabilityID != "" {
		tags = append(tags, nostr.Tag{"e", o.AvailabilityID})
	}
	return sign(ctx, s, template(KindOffer, 0, content, tags...))
}

// ParseOffer decrypts an offer. It works for both the driver and the
// rider who sent it.
func ParseOffer(ctx context.Context, s identity.Signer, ev *nostr.Event) (*Offer, error) {
	if err := checkKind(ev, KindOffer); err != nil {
		return nil, err
	}
	driver, err := requireTag(ev, "p")
	if err != nil {
		return nil, err
	}
	var o Offer
	if err := openContent(ctx, s, ev, &o); err != nil {
		return nil, err
	}
	o.Meta = metaOf(ev)
	o.Driver = driver
	o.AvailabilityID, _ = TagValue(ev, "e")
	return &o, nil
}

// Acceptance is a driver's answer to an offer.
type Acceptance struct {
	Meta
	OfferID       string `json:"-"`
	Rider         string `json:"-"`
	Status        string `json:"status"`
	WalletPubKey  string `json:"wallet_pubkey,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

// BuildAcceptance signs an acceptance of offerID encrypted to the rider.
func BuildAcceptance(ctx context.Context, s identity.Signer, a Acceptance) (*nostr.Event, error) {
	if a.OfferID == "" || a.Rider == "" {
		return nil, fmt.Errorf("%w: acceptance needs offer and rider", ErrMissingTag)
	}
	if a.Status == "" {
		a.Status = "accepted"
	}
	content, err := sealContent(ctx, s, a, a.Rider)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindAcceptance, 0, content,
		nostr.Tag{"e", a.OfferID},
		nostr.Tag{"p", a.Rider},
	))
}

// ParseAcceptance decrypts an acceptance.
func ParseAcceptance(ctx context.Context, s identity.Signer, ev *nostr.Event) (*Acceptance, error) {
	if err := checkKind(ev, KindAcceptance); err != nil {
		return nil, err
	}
	offerID, err := requireTag(ev, "e")
	if err != nil {
		return nil, err
	}
	rider, err := requireTag(ev, "p")
	if err != nil {
		return nil, err
	}
	var a Acceptance
	if err := openContent(ctx, s, ev, &a); err != nil {
		return nil, err
	}
	a.Meta = metaOf(ev)
	a.OfferID = offerID
	a.Rider = rider
	return &a, nil
}

// Confirmation is the rider's commitment to a ride. Its event id becomes
// the ride id every later state document is keyed by.
type Confirmation struct {
	Meta
	AcceptanceID  string          `json:"-"`
	Driver        string          `json:"-"`
	PrecisePickup *types.Location `json:"precise_pickup,omitempty"`
	PaymentHash   string          `json:"payment_hash,omitempty"`
	EscrowToken   string          `json:"escrow_token,omitempty"`
}

// RideID returns the ride identifier established by this confirmation.
func (c *Confirmation) RideID() types.RideID { return types.RideID(c.EventID) }

// BuildConfirmation signs a confirmation encrypted to the driver.
func BuildConfirmation(ctx context.Context, s identity.Signer, c Confirmation) (*nostr.Event, error) {
	if c.AcceptanceID == "" || c.Driver == "" {
		return nil, fmt.Errorf("%w: confirmation needs acceptance and driver", ErrMissingTag)
	}
	content, err := sealContent(ctx, s, c, c.Driver)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindConfirmation, 0, content,
		nostr.Tag{"e", c.AcceptanceID},
		nostr.Tag{"p", c.Driver},
	))
}

// ParseConfirmation decrypts a confirmation.
func ParseConfirmation(ctx context.Context, s identity.Signer, ev *nostr.Event) (*Confirmation, error) {
	if err := checkKind(ev, KindConfirmation); err != nil {
		return nil, err
	}
	accID, err := requireTag(ev, "e")
	if err != nil {
		return nil, err
	}
	driver, err := requireTag(ev, "p")
	if err != nil {
		return nil, err
	}
	var c Confirmation
	if err := openContent(ctx, s, ev, &c); err != nil {
		return nil, err
	}
	c.Meta = metaOf(ev)
	c.AcceptanceID = accID
	c.Driver = driver
	return &c, nil
}

// Chat is a pairwise message within a ride.
type Chat struct {
	Meta
	RideID    string `json:"-"`
	Recipient string `json:"-"`
	Message   string `json:"message"`
}

// BuildChat signs a chat message encrypted to the recipient.
func BuildChat(ctx context.Context, s identity.Signer, c Chat) (*nostr.Event, error) {
	if c.RideID == "" || c.Recipient == "" {
		return nil, fmt.Errorf("%w: chat needs ride and recipient", ErrMissingTag)
	}
	content, err := sealContent(ctx, s, c, c.Recipient)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindChat, 0, content,
		nostr.Tag{"e", c.RideID},
		nostr.Tag{"p", c.Recipient},
	))
}

// ParseChat decrypts a chat message.
func ParseChat(ctx context.Context, s identity.Signer, ev *nostr.Event) (*Chat, error) {
	if err := checkKind(ev, KindChat); err != nil {
		return nil, err
	}
	rideID, err := requireTag(ev, "e")
	if err != nil {
		return nil, err
	}
	recipient, err := requireTag(ev, "p")
	if err != nil {
		return nil, err
	}
	var c Chat
	if err := openContent(ctx, s, ev, &c); err != nil {
		return nil, err
	}
	c.Meta = metaOf(ev)
	c.RideID = rideID
	c.Recipient = recipient
	return &c, nil
}

// Cancellation tells the counterparty a ride is off.
type Cancellation struct {
	Meta
	RideID    string `json:"-"`
	Recipient string `json:"-"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// BuildCancellation signs a cancellation encrypted to the counterparty.
func BuildCancellation(ctx context.Context, s identity.Signer, c Cancellation) (*nostr.Event, error) {
	if c.RideID == "" || c.Recipient == "" {
		return nil, fmt.Errorf("%w: cancellation needs ride and recipient", ErrMissingTag)
	}
	c.Status = "cancelled"
	content, err := sealContent(ctx, s, c, c.Recipient)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindCancellation, 0, content,
		nostr.Tag{"e", c.RideID},
		nostr.Tag{"p", c.Recipient},
	))
}

// ParseCancellation decrypts a cancellation.
func ParseCancellation(ctx context.Context, s identity.Signer, ev *nostr.Event) (*Cancellation, error) {
	if err := checkKind(ev, KindCancellation); err != nil {
		return nil, err
	}
	rideID, err := requireTag(ev, "e")
	if err != nil {
		return nil, err
	}
	recipient, err := requireTag(ev, "p")
	if err != nil {
		return nil, err
	}
	var c Cancellation
	if err := openContent(ctx, s, ev, &c); err != nil {
		return nil, err
	}
	c.Meta = metaOf(ev)
	c.RideID = rideID
	c.Recipient = recipient
	return &c, nil
}

// Deletion asks relays to drop earlier events by the same author. Relays
// are free to ignore it.
type Deletion struct {
	Meta
	Targets []string
	Kinds   []int
	Reason  string
}

// BuildDeletion signs a deletion request for targets. Kinds, if given, let
// relays filter the request cheaply.
func BuildDeletion(ctx context.Context, s identity.Signer, d Deletion) (*nostr.Event, error) {
	if len(d.Targets) == 0 {
		return nil, fmt.Errorf("%w: deletion needs at least one target", ErrMissingTag)
	}
	tags := make(nostr.Tags, 0, len(d.Targets)+len(d.Kinds))
	for _, id := range d.Targets {
		tags = append(tags, nostr.Tag{"e", id})
	}
	seen := make(map[int]bool)
	for _, k := range d.Kinds {
		if !seen[k] {
			seen[k] = true
			tags = append(tags, nostr.Tag{"k", strconv.Itoa(k)})
		}
	}
	return sign(ctx, s, identity.Template{
		Kind:      KindDeletion,
		Tags:      tags,
		Content:   d.Reason,
		CreatedAt: nostr.Now(),
	})
}

// ParseDeletion decodes a deletion request.
func ParseDeletion(ev *nostr.Event) (*Deletion, error) {
	if err := checkKind(ev, KindDeletion); err != nil {
		return nil, err
	}
	targets := TagValues(ev, "e")
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %q on kind %d", ErrMissingTag, "e", ev.Kind)
	}
	d := &Deletion{Meta: metaOf(ev), Targets: targets, Reason: ev.Content}
	for _, v := range TagValues(ev, "k") {
		if k, err := strconv.Atoi(v); err == nil {
			d.Kinds = append(d.Kinds, k)
		}
	}
	return d, nil
}
