// Package identity holds the signing and encryption capability the ride
// protocol is built on. The rest of the system only sees the Signer
// interface and never handles private key material.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

var (
	// ErrInvalidKey is returned for a secret or public key that is not
	// 32 bytes of hex.
	ErrInvalidKey = errors.New("identity: invalid key")
)

// Template is an unsigned event: everything Sign needs except the author.
// A zero CreatedAt is replaced with the current time.
type Template struct {
	Kind      int
	Tags      nostr.Tags
	Content   string
	CreatedAt nostr.Timestamp
}

// Signer signs events and encrypts content for one identity.
type Signer interface {
	PublicKey() string
	Sign(ctx context.Context, t Template) (*nostr.Event, error)
	Encrypt(ctx context.Context, plaintext, recipient string) (string, error)
	Decrypt(ctx context.Context, ciphertext, sender string) (string, error)
}

// KeySigner is a Signer backed by an in-memory secret key.
type KeySigner struct {
	sk  string
	pub string

	mu   sync.Mutex
	keys map[string][32]byte
}

// NewKeySigner returns a signer for the hex secret key sk.
func NewKeySigner(sk string) (*KeySigner, error) {
	if len(sk) != 64 {
		return nil, fmt.Errorf("%w: secret key must be 64 hex characters", ErrInvalidKey)
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeySigner{
		sk:   sk,
		pub:  pub,
		keys: make(map[string][32]byte),
	}, nil
}

// Generate returns a signer for a freshly generated secret key, along with
// the key itself so the caller can persist it.
func Generate() (*KeySigner, string, error) {
	sk := nostr.GeneratePrivateKey()
	s, err := NewKeySigner(sk)
	if err != nil {
		return nil, "", err
	}
	return s, sk, nil
}

func (s *KeySigner) PublicKey() string { return s.pub }

func (s *KeySigner) Sign(ctx context.Context, t Template) (*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      t.Kind,
		Tags:      t.Tags,
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if err := ev.Sign(s.sk); err != nil {
		return nil, fmt.Errorf("sign kind %d: %w", t.Kind, err)
	}
	return ev, nil
}

func (s *KeySigner) Encrypt(ctx context.Context, plaintext, recipient string) (string, error) {
	key, err := s.conversationKey(recipient)
	if err != nil {
		return "", err
	}
	ciphertext, err := nip44.Encrypt(plaintext, key[:])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return ciphertext, nil
}

func (s *KeySigner) Decrypt(ctx context.Context, ciphertext, sender string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := s.conversationKey(sender)
	if err != nil {
		return "", err
	}
	plaintext, err := nip44.Decrypt(ciphertext, key[:])
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// conversationKey derives, and caches, the shared key with peer.
func (s *KeySigner) conversationKey(peer string) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[peer]; ok {
		return key, nil
	}
	if !nostr.IsValid32ByteHex(peer) {
		return [32]byte{}, fmt.Errorf("%w: %q", ErrInvalidKey, peer)
	}
	raw, err := nip44.GenerateConversationKey(peer, s.sk)
	if err != nil {
		return [32]byte{}, fmt.Errorf("conversation key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	s.keys[peer] = key
	return key, nil
}

var _ Signer = (*KeySigner)(nil)
