package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/ridestate"
)

var (
	ErrWrongKind     = errors.New("protocol: wrong kind")
	ErrMissingTag    = errors.New("protocol: missing required tag")
	ErrUndecryptable = errors.New("protocol: content could not be decrypted")
	ErrMalformed     = errors.New("protocol: malformed content")
)

// Meta identifies the event a parsed value came from.
type Meta struct {
	EventID   string `json:"-"`
	PubKey    string `json:"-"`
	CreatedAt int64  `json:"-"`
	Kind      int    `json:"-"`
}

// Ref returns the replaceable-document reference for the event.
func (m Meta) Ref() ridestate.Ref {
	return ridestate.Ref{EventID: m.EventID, CreatedAt: m.CreatedAt}
}

func metaOf(ev *nostr.Event) Meta {
	return Meta{
		EventID:   ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      ev.Kind,
	}
}

// TagValue returns the first value of the named tag.
func TagValue(ev *nostr.Event, name string) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns every value of the named tag in order.
func TagValues(ev *nostr.Event, name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

func requireTag(ev *nostr.Event, name string) (string, error) {
	v, ok := TagValue(ev, name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %q on kind %d", ErrMissingTag, name, ev.Kind)
	}
	return v, nil
}

func checkKind(ev *nostr.Event, kind int) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrMalformed)
	}
	if ev.Kind != kind {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongKind, ev.Kind, kind)
	}
	return nil
}

// Expired reports whether ev carries an expiration tag in the past.
func Expired(ev *nostr.Event, now time.Time) bool {
	v, ok := TagValue(ev, "expiration")
	if !ok {
		return false
	}
	at, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() >= at
}

// template assembles the common tags for kind: topic and, where the kind
// has one, an expiry relative to createdAt.
func template(kind int, createdAt nostr.Timestamp, content string, tags ...nostr.Tag) identity.Template {
	if createdAt == 0 {
		createdAt = nostr.Now()
	}
	all := make(nostr.Tags, 0, len(tags)+2)
	all = append(all, tags...)
	all = append(all, nostr.Tag{"t", Topic})
	if d := Expiry(kind); d > 0 {
		exp := int64(createdAt) + int64(d/time.Second)
		all = append(all, nostr.Tag{"expiration", strconv.FormatInt(exp, 10)})
	}
	return identity.Template{Kind: kind, Tags: all, Content: content, CreatedAt: createdAt}
}

// publicContent marshals v as plaintext content.
func publicContent(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	return string(data), nil
}

// sealContent marshals v and encrypts it to recipient. Self-encrypted
// content uses the signer's own key as recipient.
func sealContent(ctx context.Context, s identity.Signer, v any, recipient string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	ct, err := s.Encrypt(ctx, string(data), recipient)
	if err != nil {
		return "", fmt.Errorf("encrypt content: %w", err)
	}
	return ct, nil
}

// peerOf returns the other party of a pairwise event from s's point of
// view: the author when s is the recipient, or the p tag when s wrote it.
func peerOf(s identity.Signer, ev *nostr.Event) (string, error) {
	if ev.PubKey != s.PublicKey() {
		return ev.PubKey, nil
	}
	return requireTag(ev, "p")
}

// openContent decrypts a pairwise or self-encrypted event into v.
func openContent(ctx context.Context, s identity.Signer, ev *nostr.Event, v any) error {
	if s == nil {
		return fmt.Errorf("%w: no identity", ErrUndecryptable)
	}
	peer, err := peerOf(s, ev)
	if err != nil {
		return err
	}
	pt, err := s.Decrypt(ctx, ev.Content, peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if err := json.Unmarshal([]byte(pt), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// readContent decodes a plaintext event into v.
func readContent(ev *nostr.Event, v any) error {
	if err := json.Unmarshal([]byte(ev.Content), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func sign(ctx context.Context, s identity.Signer, t identity.Template) (*nostr.Event, error) {
	ev, err := s.Sign(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("sign kind %d: %w", t.Kind, err)
	}
	return ev, nil
}

// openSelf decrypts content the author encrypted to itself.
func openSelf(ctx context.Context, s identity.Signer, ev *nostr.Event, v any) error {
	if s == nil || ev.PubKey != s.PublicKey() {
		return fmt.Errorf("%w: not the author", ErrUndecryptable)
	}
	pt, err := s.Decrypt(ctx, ev.Content, s.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if err := json.Unmarshal([]byte(pt), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
