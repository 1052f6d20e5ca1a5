// Package transport implements the MCP Transport port over Nostr relays:
// a shared base layer plus the client and server transports, their session
// and correlation stores, and the server authorization policy.
package transport

import (
	"context"
	"errors"

	"github.com/contextvm/ctxvm-go/protocol"
)

var (
	// ErrAlreadyStarted indicates Start on a running transport.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrNotStarted indicates Send or Close on a transport that never started.
	ErrNotStarted = errors.New("transport not started")

	// ErrClosed indicates an operation on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// MessageContext carries the envelope coordinates of an inbound message.
type MessageContext struct {
	// EventID is the id of the (inner) event that carried the message.
	EventID string

	// CorrelatedEventID is the e-tag target, when present.
	CorrelatedEventID string

	// ClientPubkey is the sending client, set by the server transport.
	ClientPubkey string

	// ClientPMIs is the payment-method preference carried in the request
	// event's pmi tags, in client order.
	ClientPMIs []string
}

// Transport moves JSON-RPC messages between an MCP endpoint and the relay
// network. Sinks must be set before Start; they are invoked from the
// transport's worker pool.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg *protocol.Message) error
	Close() error

	SetOnMessage(fn func(*protocol.Message))
	SetOnError(fn func(error))
	SetOnClose(fn func())
}

// ContextualTransport additionally exposes per-message envelope context.
// Implementations deliver every message on both sinks.
type ContextualTransport interface {
	Transport
	SetOnMessageWithContext(fn func(*protocol.Message, MessageContext))
}

// EncryptionMode is the transport's gift-wrap policy.
type EncryptionMode int

const (
	// EncryptionOptional encrypts when the peer advertises support and
	// accepts both plaintext and ciphertext inbound.
	EncryptionOptional EncryptionMode = iota

	// EncryptionDisabled never encrypts and drops inbound ciphertext.
	EncryptionDisabled

	// EncryptionRequired always encrypts and drops inbound plaintext.
	EncryptionRequired
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionDisabled:
		return "disabled"
	case EncryptionRequired:
		return "required"
	default:
		return "optional"
	}
}

// GiftWrapMode selects the outbound gift-wrap kind.
type GiftWrapMode int

const (
	// GiftWrapAuto uses the persistent kind until the server advertises
	// ephemeral support.
	GiftWrapAuto GiftWrapMode = iota

	// GiftWrapPersistent always uses the persistent kind.
	GiftWrapPersistent

	// GiftWrapEphemeral always uses the relay-transient kind.
	GiftWrapEphemeral
)
