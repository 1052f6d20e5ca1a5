// Package signer provides the NostrSigner capability used by the transports:
// Schnorr event signing plus NIP-04 and NIP-44 payload encryption.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// ErrInvalidPrivateKey indicates a key that is not 32 bytes of lowercase hex.
var ErrInvalidPrivateKey = errors.New("invalid private key")

// NostrSigner signs events and seals payloads on behalf of one identity.
// Implementations must be safe for concurrent use.
type NostrSigner interface {
	// GetPublicKey returns the signer's public key as lowercase hex.
	GetPublicKey(ctx context.Context) (string, error)

	// SignEvent fills in the event's PubKey, ID and Sig.
	SignEvent(ctx context.Context, ev *nostr.Event) error

	// NIP04Encrypt encrypts plaintext for the peer using NIP-04.
	NIP04Encrypt(ctx context.Context, peerPubkey, plaintext string) (string, error)

	// NIP04Decrypt decrypts a NIP-04 payload from the peer.
	NIP04Decrypt(ctx context.Context, peerPubkey, ciphertext string) (string, error)

	// NIP44Encrypt encrypts plaintext for the peer using NIP-44.
	NIP44Encrypt(ctx context.Context, peerPubkey, plaintext string) (string, error)

	// NIP44Decrypt decrypts a NIP-44 payload from the peer.
	NIP44Decrypt(ctx context.Context, peerPubkey, ciphertext string) (string, error)
}

// PrivateKeySigner is a NostrSigner backed by an in-memory secret key.
type PrivateKeySigner struct {
	secretKey string
	publicKey string
}

// NewPrivateKeySigner builds a signer from a hex secret key.
func NewPrivateKeySigner(secretKey string) (*PrivateKeySigner, error) {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &PrivateKeySigner{secretKey: secretKey, publicKey: pub}, nil
}

// GeneratePrivateKeySigner builds a signer with a freshly generated key.
func GeneratePrivateKeySigner() (*PrivateKeySigner, error) {
	return NewPrivateKeySigner(nostr.GeneratePrivateKey())
}

// GetPublicKey implements NostrSigner.
func (s *PrivateKeySigner) GetPublicKey(_ context.Context) (string, error) {
	return s.publicKey, nil
}

// SignEvent implements NostrSigner.
func (s *PrivateKeySigner) SignEvent(_ context.Context, ev *nostr.Event) error {
	if err := ev.Sign(s.secretKey); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// NIP04Encrypt implements NostrSigner.
func (s *PrivateKeySigner) NIP04Encrypt(_ context.Context, peerPubkey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("nip04 shared secret: %w", err)
	}
	out, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 encrypt: %w", err)
	}
	return out, nil
}

// NIP04Decrypt implements NostrSigner.
func (s *PrivateKeySigner) NIP04Decrypt(_ context.Context, peerPubkey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("nip04 shared secret: %w", err)
	}
	out, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 decrypt: %w", err)
	}
	return out, nil
}

// NIP44Encrypt implements NostrSigner.
func (s *PrivateKeySigner) NIP44Encrypt(_ context.Context, peerPubkey, plaintext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("nip44 conversation key: %w", err)
	}
	out, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return out, nil
}

// NIP44Decrypt implements NostrSigner.
func (s *PrivateKeySigner) NIP44Decrypt(_ context.Context, peerPubkey, ciphertext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("nip44 conversation key: %w", err)
	}
	out, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("nip44 decrypt: %w", err)
	}
	return out, nil
}
