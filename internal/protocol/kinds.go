// Package protocol defines the ride-hailing event kinds: how each message
// is tagged, encrypted and built into a signed event, and how inbound
// events are validated and parsed back into typed values.
package protocol

import "time"

// Event kinds.
const (
	KindDeletion      = 5
	KindRideRequest   = 3172
	KindOffer         = 3173
	KindAcceptance    = 3174
	KindConfirmation  = 3175
	KindChat          = 3178
	KindCancellation  = 3179
	KindAvailability  = 30173
	KindHistoryBackup = 30174
	KindProfileBackup = 30177
	KindDriverState   = 30180
	KindRiderState    = 30181
	KindAdminConfig   = 30182
)

// Fixed d-tag values for singleton replaceable documents.
const (
	AvailabilitySlot = "rideline-availability"
	HistorySlot      = "rideline-history"
	ProfileSlot      = "rideline-profile"
	AdminConfigSlot  = "rideline-admin-config"
	Topic            = "rideline"
)

// Relay-side expiry per kind. Zero means the event carries no expiry.
var expiry = map[int]time.Duration{
	KindRideRequest:  15 * time.Minute,
	KindOffer:        15 * time.Minute,
	KindAcceptance:   10 * time.Minute,
	KindConfirmation: 8 * time.Hour,
	KindChat:         8 * time.Hour,
	KindCancellation: 24 * time.Hour,
	KindAvailability: 30 * time.Minute,
	KindDriverState:  8 * time.Hour,
	KindRiderState:   8 * time.Hour,
}

// Expiry returns how long relays should keep an event of kind.
func Expiry(kind int) time.Duration { return expiry[kind] }

// IsProtocolKind reports whether kind belongs to the ride protocol's
// reserved ranges.
func IsProtocolKind(kind int) bool {
	return (kind >= 3170 && kind < 3200) || (kind >= 30170 && kind < 30200)
}
