package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/contextvm/ctxvm-go/protocol"
)

var (
	// ErrNotGiftWrap indicates an event that is not a gift-wrap kind.
	ErrNotGiftWrap = errors.New("event is not a gift wrap")

	// ErrInvalidInnerEvent indicates a sealed payload that is not a valid
	// signed event.
	ErrInvalidInnerEvent = errors.New("invalid inner event")
)

// IsGiftWrapKind reports whether kind is one of the gift-wrap kinds.
func IsGiftWrapKind(kind int) bool {
	return kind == protocol.KindGiftWrap || kind == protocol.KindEphemeralGiftWrap
}

// SealGiftWrap seals a signed inner event into an outer gift-wrap event
// addressed to recipientPubkey. The outer event is signed by a random
// throwaway key so the relay learns neither sender nor content. When
// ephemeral is true the relay-transient kind is used.
func SealGiftWrap(inner *nostr.Event, recipientPubkey string, ephemeral bool) (*nostr.Event, error) {
	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("encode inner event: %w", err)
	}

	throwaway := nostr.GeneratePrivateKey()
	key, err := nip44.GenerateConversationKey(recipientPubkey, throwaway)
	if err != nil {
		return nil, fmt.Errorf("nip44 conversation key: %w", err)
	}
	sealed, err := nip44.Encrypt(string(payload), key)
	if err != nil {
		return nil, fmt.Errorf("seal inner event: %w", err)
	}

	kind := protocol.KindGiftWrap
	if ephemeral {
		kind = protocol.KindEphemeralGiftWrap
	}
	outer := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{nostr.Tag{protocol.TagPubkey, recipientPubkey}},
		Content:   sealed,
	}
	if err := outer.Sign(throwaway); err != nil {
		return nil, fmt.Errorf("sign outer event: %w", err)
	}
	return outer, nil
}

// OpenGiftWrap decrypts an outer gift-wrap event with the recipient's signer
// and returns the verified inner event.
func OpenGiftWrap(ctx context.Context, outer *nostr.Event, s NostrSigner) (*nostr.Event, error) {
	if !IsGiftWrapKind(outer.Kind) {
		return nil, fmt.Errorf("%w: kind %d", ErrNotGiftWrap, outer.Kind)
	}
	plaintext, err := s.NIP44Decrypt(ctx, outer.PubKey, outer.Content)
	if err != nil {
		return nil, fmt.Errorf("open gift wrap %s: %w", outer.ID, err)
	}
	var inner nostr.Event
	if err := json.Unmarshal([]byte(plaintext), &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInnerEvent, err)
	}
	if ok, err := inner.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidInnerEvent)
	}
	return &inner, nil
}
