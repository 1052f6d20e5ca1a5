package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
)

const defaultOpTimeout = 30 * time.Second

// wrapKind selects the outbound envelope for one message.
type wrapKind int

const (
	wrapNone wrapKind = iota
	wrapPersistent
	wrapEphemeral
)

// base carries the state and operations shared by the client and server
// transports: signer, relay handler, encryption policy, the bounded inbound
// task queue and the active subscription handles.
type base struct {
	signer     signer.NostrSigner
	relay      relay.Handler
	encryption EncryptionMode
	giftWrap   GiftWrapMode
	log        *slog.Logger
	queue      *taskQueue
	opTimeout  time.Duration
	maxBytes   int

	mu     sync.Mutex
	unsubs []func()
}

func newBase(s signer.NostrSigner, r relay.Handler, enc EncryptionMode, gw GiftWrapMode, log *slog.Logger, workers int) *base {
	if log == nil {
		log = slog.Default()
	}
	return &base{
		signer:     s,
		relay:      r,
		encryption: enc,
		giftWrap:   gw,
		log:        log,
		queue:      newTaskQueue(workers),
		opTimeout:  defaultOpTimeout,
		maxBytes:   protocol.DefaultMaxMessageBytes,
	}
}

func (b *base) connect(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.relay.Connect(opCtx); err != nil {
		return fmt.Errorf("connect relay pool: %w", err)
	}
	return nil
}

func (b *base) disconnect(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.relay.Disconnect(opCtx); err != nil {
		return fmt.Errorf("disconnect relay pool: %w", err)
	}
	return nil
}

// subscribe registers a relay subscription whose events run on the task
// queue. Handler panics are contained so one bad event cannot take the
// subscription down.
func (b *base) subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event)) error {
	unsub, err := b.relay.Subscribe(ctx, filters, func(ev *nostr.Event) {
		ok := b.queue.Push(func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked", "event", ev.ID, "panic", r)
				}
			}()
			onEvent(ev)
		})
		if !ok {
			b.log.Warn("task queue saturated, dropping event", "event", ev.ID, "kind", ev.Kind)
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
	return nil
}

// unsubscribeAll releases every subscription handle without disconnecting.
func (b *base) unsubscribeAll() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// publishEvent publishes with the per-op timeout as the abort horizon.
func (b *base) publishEvent(ctx context.Context, ev *nostr.Event) error {
	opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.relay.Publish(opCtx, ev); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

// sendMcpMessage signs the message into an event, optionally seals it, and
// publishes. onEventCreated runs synchronously with the inner event id before
// the publish so callers can register correlation state without racing the
// response.
func (b *base) sendMcpMessage(
	ctx context.Context,
	msg *protocol.Message,
	recipientPubkey string,
	kind int,
	tags nostr.Tags,
	wrap wrapKind,
	onEventCreated func(innerEventID string),
) error {
	pubkey, err := b.signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("get public key: %w", err)
	}
	inner, err := protocol.MessageToEvent(msg, pubkey, kind, tags)
	if err != nil {
		return err
	}
	if err := b.signer.SignEvent(ctx, inner); err != nil {
		return err
	}

	if onEventCreated != nil {
		onEventCreated(inner.ID)
	}

	outbound := inner
	if wrap != wrapNone {
		sealed, err := signer.SealGiftWrap(inner, recipientPubkey, wrap == wrapEphemeral)
		if err != nil {
			return fmt.Errorf("seal message: %w", err)
		}
		outbound = sealed
	}
	return b.publishEvent(ctx, outbound)
}

// openEnvelope applies the encryption policy to an inbound event. It returns
// the application event to process (the inner event for gift wraps) and
// whether the envelope was encrypted. A nil event with a nil error means the
// policy dropped it; an error means decryption failed.
func (b *base) openEnvelope(ctx context.Context, ev *nostr.Event) (*nostr.Event, bool, error) {
	if signer.IsGiftWrapKind(ev.Kind) {
		if b.encryption == EncryptionDisabled {
			b.log.Debug("dropping encrypted event, encryption disabled", "event", ev.ID)
			return nil, false, nil
		}
		opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
		defer cancel()
		inner, err := signer.OpenGiftWrap(opCtx, ev, b.signer)
		if err != nil {
			return nil, false, err
		}
		return inner, true, nil
	}

	if b.encryption == EncryptionRequired {
		b.log.Debug("dropping plaintext event, encryption required",
			"event", ev.ID, "kind", ev.Kind)
		return nil, false, nil
	}
	return ev, false, nil
}
