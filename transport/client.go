package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
)

const defaultSeenEventCapacity = 2000

// ClientTransport connects an MCP client to one server over Nostr relays. It
// signs outgoing messages, correlates responses by event id and applies the
// encryption policy to inbound envelopes.
type ClientTransport struct {
	*base

	serverPubkey string
	stateless    bool
	serverName   string
	serverVer    string

	correlation *correlationStore
	seen        *lru.Cache[string, struct{}]

	mu          sync.Mutex
	started     bool
	closed      bool
	clientPMIs  []string
	initEvent   *nostr.Event
	capEvents   map[int]*nostr.Event
	onMessage   func(*protocol.Message)
	onMsgCtx    func(*protocol.Message, MessageContext)
	onError     func(error)
	onClose     func()
}

// ClientOption configures a ClientTransport.
type ClientOption func(*ClientTransport)

// WithClientLogger sets the transport logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *ClientTransport) { c.log = log.With("component", "client-transport") }
}

// WithClientEncryption sets the encryption policy.
func WithClientEncryption(mode EncryptionMode) ClientOption {
	return func(c *ClientTransport) { c.encryption = mode }
}

// WithClientGiftWrap sets the outbound gift-wrap kind selection.
func WithClientGiftWrap(mode GiftWrapMode) ClientOption {
	return func(c *ClientTransport) { c.giftWrap = mode }
}

// WithStatelessInitialize makes the transport answer initialize locally with
// the given server identity instead of crossing the relay network.
func WithStatelessInitialize(name, version string) ClientOption {
	return func(c *ClientTransport) {
		c.stateless = true
		c.serverName = name
		c.serverVer = version
	}
}

// WithClientPMIs sets the ordered payment-method preference advertised on
// outgoing requests.
func WithClientPMIs(pmis []string) ClientOption {
	return func(c *ClientTransport) { c.clientPMIs = append([]string(nil), pmis...) }
}

// WithClientWorkers sets the inbound worker count.
func WithClientWorkers(n int) ClientOption {
	return func(c *ClientTransport) { c.queue = newTaskQueue(n) }
}

// NewClientTransport builds a client transport talking to serverPubkey
// through the given relay handler.
func NewClientTransport(s signer.NostrSigner, r relay.Handler, serverPubkey string, opts ...ClientOption) *ClientTransport {
	c := &ClientTransport{
		base:         newBase(s, r, EncryptionOptional, GiftWrapAuto, slog.Default().With("component", "client-transport"), 0),
		serverPubkey: serverPubkey,
		capEvents:    make(map[int]*nostr.Event),
	}
	c.correlation = newCorrelationStore(0, c.log)
	c.seen, _ = lru.New[string, struct{}](defaultSeenEventCapacity)
	for _, opt := range opts {
		opt(c)
	}
	// Options may replace the logger after the store captured it.
	c.correlation.log = c.log
	return c
}

// SetOnMessage implements Transport.
func (c *ClientTransport) SetOnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// SetOnMessageWithContext implements ContextualTransport.
func (c *ClientTransport) SetOnMessageWithContext(fn func(*protocol.Message, MessageContext)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsgCtx = fn
}

// SetOnError implements Transport.
func (c *ClientTransport) SetOnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// SetOnClose implements Transport.
func (c *ClientTransport) SetOnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// SetClientPMIs replaces the advertised payment-method preference list. The
// payments wrapper injects its handler PMIs here.
func (c *ClientTransport) SetClientPMIs(pmis []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientPMIs = append([]string(nil), pmis...)
}

// ServerPubkey returns the configured server identity.
func (c *ClientTransport) ServerPubkey() string { return c.serverPubkey }

// Start implements Transport.
func (c *ClientTransport) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	pubkey, err := c.signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("get public key: %w", err)
	}
	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds: []int{protocol.KindMessage, protocol.KindGiftWrap, protocol.KindEphemeralGiftWrap},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Since: &since,
	}}
	if err := c.subscribe(ctx, filters, c.handleEvent); err != nil {
		return err
	}
	c.log.Info("client transport started", "pubkey", pubkey, "server", c.serverPubkey)
	return nil
}

// Send implements Transport.
func (c *ClientTransport) Send(ctx context.Context, msg *protocol.Message) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	stateless := c.stateless
	pmis := c.clientPMIs
	c.mu.Unlock()

	if stateless {
		if msg.IsRequest() && msg.Method == protocol.MethodInitialize {
			c.emulateInitialize(msg)
			return nil
		}
		if msg.IsNotification() && msg.Method == protocol.NotificationInitialized {
			return nil
		}
	}

	tags := nostr.Tags{{protocol.TagPubkey, c.serverPubkey}}
	if msg.IsRequest() {
		for _, pmi := range pmis {
			tags = append(tags, nostr.Tag{protocol.TagPMI, pmi})
		}
	}

	var onCreated func(string)
	if msg.IsRequest() {
		pending := &PendingRequest{
			OriginalID:    *msg.ID,
			IsInitialize:  msg.Method == protocol.MethodInitialize,
			ProgressToken: msg.ProgressToken(),
			Context: RequestContext{
				Method:     msg.Method,
				Capability: msg.Capability(),
			},
		}
		onCreated = func(innerEventID string) {
			c.correlation.Register(innerEventID, pending)
		}
	}
	return c.sendMcpMessage(ctx, msg, c.serverPubkey, protocol.KindMessage, tags, c.outboundWrap(), onCreated)
}

// Close implements Transport.
func (c *ClientTransport) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	c.queue.Shutdown()
	c.unsubscribeAll()
	err := c.disconnect(context.Background())
	c.correlation.Clear()
	c.seen.Purge()
	if onClose != nil {
		onClose()
	}
	return err
}

// Pending returns the in-flight request registered under an event id.
func (c *ClientTransport) Pending(eventID string) (*PendingRequest, bool) {
	return c.correlation.Get(eventID)
}

// TakePending claims and removes the in-flight request for an event id. The
// payments wrapper uses this when synthesizing a decline response.
func (c *ClientTransport) TakePending(eventID string) (*PendingRequest, bool) {
	return c.correlation.Take(eventID)
}

// PendingByToken resolves a progress token to its request event id.
func (c *ClientTransport) PendingByToken(token string) (string, bool) {
	return c.correlation.ByToken(token)
}

// InitializeEvent returns the recorded initialize response event, if one has
// arrived. Its tags carry the server profile and encryption markers.
func (c *ClientTransport) InitializeEvent() *nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initEvent
}

// CapabilityEvent returns the cached envelope of the latest capability-list
// response for a kind, so consumers can read its cap tags.
func (c *ClientTransport) CapabilityEvent(kind int) *nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capEvents[kind]
}

// outboundWrap picks the envelope for the next outgoing message.
func (c *ClientTransport) outboundWrap() wrapKind {
	if c.encryption == EncryptionDisabled {
		return wrapNone
	}
	switch c.giftWrap {
	case GiftWrapEphemeral:
		return wrapEphemeral
	case GiftWrapPersistent:
		return wrapPersistent
	}
	// Auto: switch to the relay-transient kind once the server has said it
	// supports it.
	c.mu.Lock()
	init := c.initEvent
	c.mu.Unlock()
	if init != nil && protocol.FirstTagValue(init, protocol.TagEphemeral) == "true" {
		return wrapEphemeral
	}
	return wrapPersistent
}

// emulateInitialize answers initialize locally in stateless mode. Delivery is
// asynchronous so callers observe the same ordering as a relay round-trip.
func (c *ClientTransport) emulateInitialize(req *protocol.Message) {
	result := map[string]any{
		"protocolVersion": protocol.ProtocolVersion,
		"serverInfo":      map[string]any{"name": c.serverName, "version": c.serverVer},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": true},
		},
	}
	resp, err := protocol.NewResultResponse(*req.ID, result)
	if err != nil {
		c.emitError(err)
		return
	}
	if !c.queue.Push(func() { c.deliver(resp, MessageContext{}) }) {
		c.log.Warn("task queue saturated, dropping stateless initialize response")
	}
}

func (c *ClientTransport) handleEvent(ev *nostr.Event) {
	app, _, err := c.openInbound(ev)
	if err != nil {
		c.emitError(fmt.Errorf("open inbound event %s: %w", ev.ID, err))
		return
	}
	if app == nil {
		return
	}
	if app.PubKey != c.serverPubkey {
		c.log.Warn("dropping event from unexpected pubkey", "event", app.ID, "pubkey", app.PubKey)
		return
	}

	correlated := protocol.FirstTagValue(app, protocol.TagEvent)
	msg, err := protocol.EventToMessage(app, c.maxBytes)
	if err != nil {
		c.log.Warn("dropping undecodable message", "event", app.ID, "err", err)
		return
	}

	switch {
	case msg.IsResponse():
		c.recordInitialize(app, msg)
		if correlated == "" {
			c.log.Warn("dropping response without correlation tag", "event", app.ID)
			return
		}
		pending, ok := c.correlation.Take(correlated)
		if !ok {
			c.log.Warn("dropping uncorrelated response", "event", app.ID, "target", correlated)
			return
		}
		if kind := protocol.CapabilityListKind(msg.Result); kind != 0 {
			c.mu.Lock()
			c.capEvents[kind] = app
			c.mu.Unlock()
		}
		msg.ID = &pending.OriginalID
		c.deliver(msg, MessageContext{EventID: app.ID, CorrelatedEventID: correlated})

	case msg.IsNotification():
		c.deliver(msg, MessageContext{EventID: app.ID, CorrelatedEventID: correlated})

	default:
		c.log.Warn("dropping unexpected inbound request", "event", app.ID, "method", msg.Method)
	}
}

// openInbound applies dedup and the gift-wrap policy to a raw relay event.
func (c *ClientTransport) openInbound(ev *nostr.Event) (*nostr.Event, bool, error) {
	if signer.IsGiftWrapKind(ev.Kind) {
		if !c.acceptsWrapKind(ev.Kind) {
			c.log.Debug("dropping gift wrap outside accepted mode", "event", ev.ID, "kind", ev.Kind)
			return nil, false, nil
		}
		if _, dup := c.seen.Get(ev.ID); dup {
			return nil, false, nil
		}
		c.seen.Add(ev.ID, struct{}{})
	}
	return c.openEnvelope(context.Background(), ev)
}

// acceptsWrapKind is the per-mode inbound allow list for gift-wrap kinds.
func (c *ClientTransport) acceptsWrapKind(kind int) bool {
	switch c.giftWrap {
	case GiftWrapPersistent:
		return kind == protocol.KindGiftWrap
	case GiftWrapEphemeral:
		return kind == protocol.KindEphemeralGiftWrap
	}
	return true
}

// recordInitialize keeps the first initialize response envelope for gift-wrap
// auto detection and server profile reads.
func (c *ClientTransport) recordInitialize(app *nostr.Event, msg *protocol.Message) {
	if !protocol.IsInitializeResult(msg.Result) {
		return
	}
	c.mu.Lock()
	if c.initEvent == nil {
		c.initEvent = app
	}
	c.mu.Unlock()
}

func (c *ClientTransport) deliver(msg *protocol.Message, mctx MessageContext) {
	c.mu.Lock()
	onMessage := c.onMessage
	onMsgCtx := c.onMsgCtx
	c.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
	if onMsgCtx != nil {
		onMsgCtx(msg, mctx)
	}
}

func (c *ClientTransport) emitError(err error) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	c.log.Error("client transport error", "err", err)
	if onError != nil {
		onError(err)
	}
}

var _ ContextualTransport = (*ClientTransport)(nil)
