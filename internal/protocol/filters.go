package protocol

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func since(t time.Time) *nostr.Timestamp {
	if t.IsZero() {
		return nil
	}
	ts := nostr.Timestamp(t.Unix())
	return &ts
}

// AvailabilityFilter matches driver availability tagged with cell since t.
func AvailabilityFilter(cell string, t time.Time) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindAvailability},
		Tags:  nostr.TagMap{"g": {cell}},
		Since: since(t),
	}
}

// RideRequestFilter matches public ride requests tagged with cell since t.
func RideRequestFilter(cell string, t time.Time) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindRideRequest},
		Tags:  nostr.TagMap{"g": {cell}},
		Since: since(t),
	}
}

// OfferInboxFilter matches offers addressed to driver since t.
func OfferInboxFilter(driver string, t time.Time) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindOffer},
		Tags:  nostr.TagMap{"p": {driver}},
		Since: since(t),
	}
}

// AcceptanceFilter matches acceptances of offerID from driver.
func AcceptanceFilter(offerID, driver string) nostr.Filter {
	f := nostr.Filter{
		Kinds: []int{KindAcceptance},
		Tags:  nostr.TagMap{"e": {offerID}},
	}
	if driver != "" {
		f.Authors = []string{driver}
	}
	return f
}

// ConfirmationFilter matches confirmations addressed to driver, optionally
// narrowed to one acceptance.
func ConfirmationFilter(driver, acceptanceID string) nostr.Filter {
	tags := nostr.TagMap{"p": {driver}}
	if acceptanceID != "" {
		tags["e"] = []string{acceptanceID}
	}
	return nostr.Filter{Kinds: []int{KindConfirmation}, Tags: tags}
}

// RideStateFilter matches author's state documents of kind for rideID.
func RideStateFilter(kind int, author, rideID string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{kind},
		Authors: []string{author},
		Tags:    nostr.TagMap{"d": {rideID}},
	}
}

// ChatFilter matches chat messages for rideID.
func ChatFilter(rideID string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindChat},
		Tags:  nostr.TagMap{"e": {rideID}},
	}
}

// CancellationFilter matches cancellations of rideID addressed to self.
func CancellationFilter(rideID, self string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindCancellation},
		Tags:  nostr.TagMap{"e": {rideID}, "p": {self}},
	}
}

// DeletionFilter matches deletion requests by author for any of targets.
func DeletionFilter(author string, targets []string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{KindDeletion},
		Authors: []string{author},
		Tags:    nostr.TagMap{"e": targets},
	}
}

// SlotFilter matches the replaceable documents in one slot.
func SlotFilter(kind int, author, d string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{kind},
		Authors: []string{author},
		Tags:    nostr.TagMap{"d": {d}},
	}
}

// IDsFilter matches events by id.
func IDsFilter(ids []string) nostr.Filter {
	return nostr.Filter{IDs: ids}
}

// InboxFilter matches events of the given kinds addressed to self since t.
func InboxFilter(kinds []int, self string, t time.Time) nostr.Filter {
	return nostr.Filter{
		Kinds: kinds,
		Tags:  nostr.TagMap{"p": {self}},
		Since: since(t),
	}
}
