package ridestate

import (
	"encoding/json"
	"fmt"

	"github.com/user/rideline/internal/types"
)

// Action discriminates history entry variants on the wire.
type Action string

const (
	ActionStatus         Action = "status"
	ActionPinSubmit      Action = "pin_submit"
	ActionPinVerify      Action = "pin_verify"
	ActionLocationReveal Action = "location_reveal"
	ActionSettlement     Action = "settlement"
	ActionPreimageShare  Action = "preimage_share"
)

// Entry is one typed history record. The set of implementations is closed.
type Entry interface {
	Action() Action
	At() int64
	isEntry()
}

// StatusEntry records a status (driver) or phase (rider) change.
type StatusEntry struct {
	Status    string          `json:"status"`
	Timestamp int64           `json:"at"`
	Location  *types.Location `json:"location,omitempty"`
}

// PinSubmitEntry records the pickup PIN the driver collected from the rider.
// The PIN itself is carried encrypted to the rider.
type PinSubmitEntry struct {
	PinEncrypted string `json:"pin_encrypted"`
	Timestamp    int64  `json:"at"`
}

// PinVerifyEntry records the rider's check of a submitted PIN.
type PinVerifyEntry struct {
	Verified  bool  `json:"verified"`
	Attempt   int   `json:"attempt"`
	Timestamp int64 `json:"at"`
}

// LocationRevealEntry discloses a precise location to the counterparty.
type LocationRevealEntry struct {
	LocationType string         `json:"location_type"`
	Location     types.Location `json:"location"`
	Timestamp    int64          `json:"at"`
}

// SettlementEntry records the driver claiming payment for the ride.
type SettlementEntry struct {
	SettledAmount int64  `json:"settled_amount"`
	Proof         string `json:"proof,omitempty"`
	Timestamp     int64  `json:"at"`
}

// PreimageShareEntry releases the payment preimage to the driver.
type PreimageShareEntry struct {
	PreimageEncrypted string `json:"preimage_encrypted"`
	Timestamp         int64  `json:"at"`
}

func (e StatusEntry) Action() Action         { return ActionStatus }
func (e PinSubmitEntry) Action() Action      { return ActionPinSubmit }
func (e PinVerifyEntry) Action() Action      { return ActionPinVerify }
func (e LocationRevealEntry) Action() Action { return ActionLocationReveal }
func (e SettlementEntry) Action() Action     { return ActionSettlement }
func (e PreimageShareEntry) Action() Action  { return ActionPreimageShare }

func (e StatusEntry) At() int64         { return e.Timestamp }
func (e PinSubmitEntry) At() int64      { return e.Timestamp }
func (e PinVerifyEntry) At() int64      { return e.Timestamp }
func (e LocationRevealEntry) At() int64 { return e.Timestamp }
func (e SettlementEntry) At() int64     { return e.Timestamp }
func (e PreimageShareEntry) At() int64  { return e.Timestamp }

func (StatusEntry) isEntry()         {}
func (PinSubmitEntry) isEntry()      {}
func (PinVerifyEntry) isEntry()      {}
func (LocationRevealEntry) isEntry() {}
func (SettlementEntry) isEntry()     {}
func (PreimageShareEntry) isEntry()  {}

// History is an ordered list of entries. It serializes each entry as a JSON
// object carrying an explicit "action" discriminant.
type History []Entry

func (h History) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(h))
	for _, e := range h {
		raw, err := marshalEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes entries, skipping ones whose action is unknown.
func (h *History) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(History, 0, len(raws))
	for _, raw := range raws {
		e, err := unmarshalEntry(raw)
		if err != nil {
			return err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	*h = out
	return nil
}

func marshalEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	action, _ := json.Marshal(e.Action())
	fields["action"] = action
	return json.Marshal(fields)
}

func unmarshalEntry(raw []byte) (Entry, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("history entry: %w", err)
	}
	var (
		e   Entry
		err error
	)
	switch head.Action {
	case ActionStatus:
		e, err = decodeAs[StatusEntry](raw)
	case ActionPinSubmit:
		e, err = decodeAs[PinSubmitEntry](raw)
	case ActionPinVerify:
		e, err = decodeAs[PinVerifyEntry](raw)
	case ActionLocationReveal:
		e, err = decodeAs[LocationRevealEntry](raw)
	case ActionSettlement:
		e, err = decodeAs[SettlementEntry](raw)
	case ActionPreimageShare:
		e, err = decodeAs[PreimageShareEntry](raw)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history entry %s: %w", head.Action, err)
	}
	return e, nil
}

func decodeAs[T Entry](raw []byte) (Entry, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EntriesOf returns every entry of variant T in history order.
func EntriesOf[T Entry](h History) []T {
	var out []T
	for _, e := range h {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// latestOf returns the last entry of variant T.
func latestOf[T Entry](h History) (T, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if v, ok := h[i].(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// StatusEntries returns every status change in history order.
func StatusEntries(h History) []StatusEntry { return EntriesOf[StatusEntry](h) }

// LatestPinSubmission returns the most recent PIN submission, if any.
func LatestPinSubmission(h History) (PinSubmitEntry, bool) { return latestOf[PinSubmitEntry](h) }

// LatestPinVerification returns the most recent PIN check, if any.
func LatestPinVerification(h History) (PinVerifyEntry, bool) { return latestOf[PinVerifyEntry](h) }

// Settlement returns the settlement entry, if one was recorded.
func Settlement(h History) (SettlementEntry, bool) { return latestOf[SettlementEntry](h) }

// RevealedLocation returns the latest reveal of the given location type.
func RevealedLocation(h History, locationType string) (LocationRevealEntry, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if v, ok := h[i].(LocationRevealEntry); ok && v.LocationType == locationType {
			return v, true
		}
	}
	return LocationRevealEntry{}, false
}
