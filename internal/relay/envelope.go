package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// VerifyEvent reports whether the event's id matches the hash of its
// serialized fields and its signature is valid for the claimed author.
func VerifyEvent(ev *nostr.Event) bool {
	if ev == nil || ev.ID == "" || ev.Sig == "" {
		return false
	}
	if ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

func encodeReq(subID string, filters nostr.Filters) ([]byte, error) {
	env := nostr.ReqEnvelope{SubscriptionID: subID, Filters: filters}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode REQ: %w", err)
	}
	return data, nil
}

func encodeEvent(ev nostr.Event) ([]byte, error) {
	env := nostr.EventEnvelope{Event: ev}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode EVENT: %w", err)
	}
	return data, nil
}

func encodeClose(subID string) ([]byte, error) {
	env := nostr.CloseEnvelope(subID)
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode CLOSE: %w", err)
	}
	return data, nil
}
