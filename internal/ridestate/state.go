// Package ridestate models the two per-party ride state documents: the
// driver's status log and the rider's phase log. Each party owns and
// republishes its own document; the transition reference records which
// instance of the counterpart's document it had seen when it did so.
package ridestate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/rideline/internal/types"
)

var (
	// ErrTerminal is returned when appending to a completed or cancelled ride.
	ErrTerminal = errors.New("ridestate: ride already ended")
	// ErrInvalidTransition is returned for a status change that does not
	// move forward along the party's path.
	ErrInvalidTransition = errors.New("ridestate: invalid transition")
)

// DriverStatus is the driver's position in the ride.
type DriverStatus string

const (
	DriverEnRoutePickup DriverStatus = "en_route_pickup"
	DriverArrived       DriverStatus = "arrived"
	DriverInProgress    DriverStatus = "in_progress"
	DriverCompleted     DriverStatus = "completed"
	DriverCancelled     DriverStatus = "cancelled"
)

// RiderPhase is the rider's position in the ride.
type RiderPhase string

const (
	RiderAwaitingDriver RiderPhase = "awaiting_driver"
	RiderDriverArrived  RiderPhase = "driver_arrived"
	RiderVerified       RiderPhase = "verified"
	RiderInRide         RiderPhase = "in_ride"
	RiderCompleted      RiderPhase = "completed"
	RiderCancelled      RiderPhase = "cancelled"
)

var driverPath = []DriverStatus{DriverEnRoutePickup, DriverArrived, DriverInProgress, DriverCompleted}

var riderPath = []RiderPhase{RiderAwaitingDriver, RiderDriverArrived, RiderVerified, RiderInRide, RiderCompleted}

// Terminal reports whether no further status can follow s.
func (s DriverStatus) Terminal() bool { return s == DriverCompleted || s == DriverCancelled }

// Terminal reports whether no further phase can follow p.
func (p RiderPhase) Terminal() bool { return p == RiderCompleted || p == RiderCancelled }

// Valid reports whether s is a known status.
func (s DriverStatus) Valid() bool { return s == DriverCancelled || indexOf(driverPath, s) >= 0 }

// Valid reports whether p is a known phase.
func (p RiderPhase) Valid() bool { return p == RiderCancelled || indexOf(riderPath, p) >= 0 }

func indexOf[T comparable](path []T, v T) int {
	for i, p := range path {
		if p == v {
			return i
		}
	}
	return -1
}

// advance checks that next moves forward along path from cur. Skipping
// intermediate steps is allowed; moving backwards or standing still is not.
func advance[T comparable](path []T, cancelled, cur, next T) error {
	if next == cancelled {
		return nil
	}
	from, to := indexOf(path, cur), indexOf(path, next)
	if to < 0 || to <= from {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, cur, next)
	}
	return nil
}

// Ref identifies one observed instance of a replaceable document.
type Ref struct {
	EventID   string
	CreatedAt int64
}

// Newer reports whether r supersedes other: greater created_at wins, and
// on a tie the lexically lower id wins.
func (r Ref) Newer(other Ref) bool {
	if other.EventID == "" {
		return r.EventID != ""
	}
	if r.CreatedAt != other.CreatedAt {
		return r.CreatedAt > other.CreatedAt
	}
	return r.EventID < other.EventID
}

// log is the per-party bookkeeping shared by both state kinds.
type log struct {
	mu          sync.Mutex
	rideID      string
	history     History
	observed    Ref
	lastCreated int64
}

// ObserveCounterpart records ref as the counterpart's document if it is
// newer than the one already seen. It reports whether ref was adopted.
func (l *log) ObserveCounterpart(ref Ref) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !ref.Newer(l.observed) {
		return false
	}
	l.observed = ref
	return true
}

// Transition returns the id of the newest counterpart document observed.
func (l *log) Transition() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observed.EventID
}

// NextCreatedAt returns the created_at for the next published instance:
// now, or one second past the previous instance if that is later.
func (l *log) NextCreatedAt(now int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now <= l.lastCreated {
		now = l.lastCreated + 1
	}
	l.lastCreated = now
	return now
}

// RideID returns the ride this document belongs to.
func (l *log) RideID() string { return l.rideID }

// History returns a copy of the history.
func (l *log) History() History {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(History(nil), l.history...)
}

// DriverDocument is the serialized content of a driver ride state.
type DriverDocument struct {
	CurrentStatus DriverStatus `json:"current_status"`
	History       History      `json:"history"`
}

// RiderDocument is the serialized content of a rider ride state.
type RiderDocument struct {
	CurrentPhase RiderPhase `json:"current_phase"`
	History      History    `json:"history"`
}

// DriverState is the driver's own, mutable view of a ride.
type DriverState struct {
	log
	status DriverStatus
}

// NewDriverState starts a driver document en route to pickup.
func NewDriverState(rideID string, at int64) *DriverState {
	s := &DriverState{status: DriverEnRoutePickup}
	s.rideID = rideID
	s.history = History{StatusEntry{Status: string(DriverEnRoutePickup), Timestamp: at}}
	return s
}

// Status returns the current status.
func (s *DriverState) Status() DriverStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus moves the ride forward and records a status entry.
func (s *DriverState) SetStatus(next DriverStatus, at int64, loc *types.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrTerminal
	}
	if err := advance(driverPath, DriverCancelled, s.status, next); err != nil {
		return err
	}
	s.status = next
	s.history = append(s.history, StatusEntry{Status: string(next), Timestamp: at, Location: loc})
	return nil
}

// SubmitPin records the PIN collected from the rider.
func (s *DriverState) SubmitPin(pinEncrypted string, at int64) error {
	return s.appendEntry(PinSubmitEntry{PinEncrypted: pinEncrypted, Timestamp: at})
}

// RecordSettlement records the driver's claim of payment.
func (s *DriverState) RecordSettlement(amount int64, proof string, at int64) error {
	return s.appendEntry(SettlementEntry{SettledAmount: amount, Proof: proof, Timestamp: at})
}

func (s *DriverState) appendEntry(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrTerminal
	}
	s.history = append(s.history, e)
	return nil
}

// Document snapshots the publishable content.
func (s *DriverState) Document() DriverDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DriverDocument{
		CurrentStatus: s.status,
		History:       append(History(nil), s.history...),
	}
}

// RiderState is the rider's own, mutable view of a ride.
type RiderState struct {
	log
	phase RiderPhase
}

// NewRiderState starts a rider document awaiting the driver.
func NewRiderState(rideID string, at int64) *RiderState {
	s := &RiderState{phase: RiderAwaitingDriver}
	s.rideID = rideID
	s.history = History{StatusEntry{Status: string(RiderAwaitingDriver), Timestamp: at}}
	return s
}

// Phase returns the current phase.
func (s *RiderState) Phase() RiderPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase moves the ride forward and records a status entry.
func (s *RiderState) SetPhase(next RiderPhase, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return ErrTerminal
	}
	if err := advance(riderPath, RiderCancelled, s.phase, next); err != nil {
		return err
	}
	s.phase = next
	s.history = append(s.history, StatusEntry{Status: string(next), Timestamp: at})
	return nil
}

// VerifyPin records the outcome of checking the driver's submitted PIN. A
// successful check also advances the phase to verified.
func (s *RiderState) VerifyPin(verified bool, attempt int, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return ErrTerminal
	}
	s.history = append(s.history, PinVerifyEntry{Verified: verified, Attempt: attempt, Timestamp: at})
	if verified && indexOf(riderPath, s.phase) < indexOf(riderPath, RiderVerified) {
		s.phase = RiderVerified
		s.history = append(s.history, StatusEntry{Status: string(RiderVerified), Timestamp: at})
	}
	return nil
}

// RevealLocation discloses a precise location to the driver.
func (s *RiderState) RevealLocation(locationType string, loc types.Location, at int64) error {
	return s.appendEntry(LocationRevealEntry{LocationType: locationType, Location: loc, Timestamp: at})
}

// SharePreimage releases the payment preimage to the driver.
func (s *RiderState) SharePreimage(preimageEncrypted string, at int64) error {
	return s.appendEntry(PreimageShareEntry{PreimageEncrypted: preimageEncrypted, Timestamp: at})
}

func (s *RiderState) appendEntry(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return ErrTerminal
	}
	s.history = append(s.history, e)
	return nil
}

// Document snapshots the publishable content.
func (s *RiderState) Document() RiderDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RiderDocument{
		CurrentPhase: s.phase,
		History:      append(History(nil), s.history...),
	}
}
