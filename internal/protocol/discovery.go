package protocol

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/types"
)

// Driver availability states.
const (
	StatusAvailable = "available"
	StatusOffline   = "offline"
)

// Vehicle describes a driver's car.
type Vehicle struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Year  int    `json:"year,omitempty"`
}

// Availability is a driver's public "I can take rides here" document.
type Availability struct {
	Meta
	Status         string          `json:"status"`
	Location       *types.Location `json:"approx_location,omitempty"`
	Vehicle        *Vehicle        `json:"vehicle,omitempty"`
	PaymentMethods []string        `json:"payment_methods,omitempty"`
}

// BuildAvailability signs a driver availability document. The location is
// coarsened and tagged with multi-precision geohash cells. An offline
// document carries no location.
func BuildAvailability(ctx context.Context, s identity.Signer, a Availability) (*nostr.Event, error) {
	tags := []nostr.Tag{{"d", AvailabilitySlot}}
	if a.Status == "" {
		a.Status = StatusAvailable
	}
	if a.Status == StatusOffline {
		a.Location = nil
	}
	if a.Location != nil {
		if !a.Location.Valid() {
			return nil, fmt.Errorf("%w: location out of range", ErrMalformed)
		}
		coarse := a.Location.Approximate(PublicPrecision)
		a.Location = &coarse
		tags = append(tags, geoTags(coarse)...)
	}
	content, err := publicContent(a)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindAvailability, 0, content, tags...))
}

// ParseAvailability decodes a driver availability document.
func ParseAvailability(ev *nostr.Event) (*Availability, error) {
	if err := checkKind(ev, KindAvailability); err != nil {
		return nil, err
	}
	var a Availability
	if err := readContent(ev, &a); err != nil {
		return nil, err
	}
	if a.Status != StatusAvailable && a.Status != StatusOffline {
		return nil, fmt.Errorf("%w: status %q", ErrMalformed, a.Status)
	}
	a.Meta = metaOf(ev)
	return &a, nil
}

// RideRequest is a rider's public broadcast looking for any nearby driver.
type RideRequest struct {
	Meta
	Pickup        types.Location `json:"approx_pickup"`
	Destination   types.Location `json:"approx_destination"`
	FareEstimate  int64          `json:"fare_estimate"`
	PaymentMethod string         `json:"payment_method,omitempty"`
}

// BuildRideRequest signs a public ride request. Both locations are
// coarsened; the pickup cell is tagged for discovery.
func BuildRideRequest(ctx context.Context, s identity.Signer, r RideRequest) (*nostr.Event, error) {
	if !r.Pickup.Valid() || !r.Destination.Valid() {
		return nil, fmt.Errorf("%w: location out of range", ErrMalformed)
	}
	r.Pickup = r.Pickup.Approximate(PublicPrecision)
	r.Destination = r.Destination.Approximate(PublicPrecision)
	content, err := publicContent(r)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindRideRequest, 0, content, geoTags(r.Pickup)...))
}

// ParseRideRequest decodes a public ride request.
func ParseRideRequest(ev *nostr.Event) (*RideRequest, error) {
	if err := checkKind(ev, KindRideRequest); err != nil {
		return nil, err
	}
	var r RideRequest
	if err := readContent(ev, &r); err != nil {
		return nil, err
	}
	r.Meta = metaOf(ev)
	return &r, nil
}

// AdminConfig is the operator-published configuration document.
type AdminConfig struct {
	Meta
	FareRatePerKm     float64  `json:"fare_rate_per_km"`
	MinimumFare       int64    `json:"minimum_fare"`
	RecommendedRelays []string `json:"recommended_relays,omitempty"`
	Announcement      string   `json:"announcement,omitempty"`
}

// BuildAdminConfig signs the public admin configuration document.
func BuildAdminConfig(ctx context.Context, s identity.Signer, c AdminConfig) (*nostr.Event, error) {
	content, err := publicContent(c)
	if err != nil {
		return nil, err
	}
	return sign(ctx, s, template(KindAdminConfig, 0, content, nostr.Tag{"d", AdminConfigSlot}))
}

// ParseAdminConfig decodes the admin configuration document.
func ParseAdminConfig(ev *nostr.Event) (*AdminConfig, error) {
	if err := checkKind(ev, KindAdminConfig); err != nil {
		return nil, err
	}
	if d, _ := TagValue(ev, "d"); d != AdminConfigSlot {
		return nil, fmt.Errorf("%w: d=%q", ErrMissingTag, d)
	}
	var c AdminConfig
	if err := readContent(ev, &c); err != nil {
		return nil, err
	}
	c.Meta = metaOf(ev)
	return &c, nil
}
