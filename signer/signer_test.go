package signer

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextvm/ctxvm-go/protocol"
)

func TestNewPrivateKeySigner(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	sig, err := NewPrivateKeySigner(sk)
	require.NoError(t, err)

	got, err := sig.GetPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

func TestNewPrivateKeySigner_InvalidKey(t *testing.T) {
	for _, key := range []string{"", "nothex", "abcd"} {
		_, err := NewPrivateKeySigner(key)
		assert.ErrorIs(t, err, ErrInvalidPrivateKey, "key %q", key)
	}
}

func TestSignEvent(t *testing.T) {
	sig, err := GeneratePrivateKeySigner()
	require.NoError(t, err)
	pub, err := sig.GetPublicKey(context.Background())
	require.NoError(t, err)

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      protocol.KindMessage,
		Content:   "hello",
	}
	require.NoError(t, sig.SignEvent(context.Background(), ev))

	assert.Equal(t, pub, ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncryptionRoundTrips(t *testing.T) {
	alice, err := GeneratePrivateKeySigner()
	require.NoError(t, err)
	bob, err := GeneratePrivateKeySigner()
	require.NoError(t, err)

	ctx := context.Background()
	alicePub, err := alice.GetPublicKey(ctx)
	require.NoError(t, err)
	bobPub, err := bob.GetPublicKey(ctx)
	require.NoError(t, err)

	const plaintext = `{"jsonrpc":"2.0","method":"ping","id":1}`

	t.Run("nip04", func(t *testing.T) {
		ct, err := alice.NIP04Encrypt(ctx, bobPub, plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ct)

		pt, err := bob.NIP04Decrypt(ctx, alicePub, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	})

	t.Run("nip44", func(t *testing.T) {
		ct, err := alice.NIP44Encrypt(ctx, bobPub, plaintext)
		require.NoError(t, err)

		pt, err := bob.NIP44Decrypt(ctx, alicePub, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)

		_, err = alice.NIP44Decrypt(ctx, alicePub, ct)
		assert.Error(t, err, "wrong conversation key must not decrypt")
	})
}

func TestGiftWrapRoundTrip(t *testing.T) {
	sender, err := GeneratePrivateKeySigner()
	require.NoError(t, err)
	recipient, err := GeneratePrivateKeySigner()
	require.NoError(t, err)

	ctx := context.Background()
	recipientPub, err := recipient.GetPublicKey(ctx)
	require.NoError(t, err)

	inner := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      protocol.KindMessage,
		Tags:      nostr.Tags{nostr.Tag{protocol.TagPubkey, recipientPub}},
		Content:   `{"jsonrpc":"2.0","method":"initialize","id":1}`,
	}
	require.NoError(t, sender.SignEvent(ctx, inner))

	t.Run("stored kind", func(t *testing.T) {
		outer, err := SealGiftWrap(inner, recipientPub, false)
		require.NoError(t, err)
		assert.Equal(t, protocol.KindGiftWrap, outer.Kind)
		assert.NotEqual(t, inner.PubKey, outer.PubKey, "outer event must use a throwaway key")
		assert.Equal(t, recipientPub, protocol.FirstTagValue(outer, protocol.TagPubkey))

		opened, err := OpenGiftWrap(ctx, outer, recipient)
		require.NoError(t, err)
		assert.Equal(t, inner.ID, opened.ID)
		assert.Equal(t, inner.Content, opened.Content)
	})

	t.Run("ephemeral kind", func(t *testing.T) {
		outer, err := SealGiftWrap(inner, recipientPub, true)
		require.NoError(t, err)
		assert.Equal(t, protocol.KindEphemeralGiftWrap, outer.Kind)
	})

	t.Run("wrong recipient", func(t *testing.T) {
		outer, err := SealGiftWrap(inner, recipientPub, false)
		require.NoError(t, err)
		_, err = OpenGiftWrap(ctx, outer, sender)
		assert.Error(t, err)
	})

	t.Run("not a gift wrap", func(t *testing.T) {
		_, err := OpenGiftWrap(ctx, inner, recipient)
		assert.ErrorIs(t, err, ErrNotGiftWrap)
	})
}
