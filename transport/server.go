package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
)

const (
	defaultSessionTimeout  = 30 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

// ServerInfo is the public identity a server publishes with its
// announcements.
type ServerInfo struct {
	Name    string
	Version string
	About   string
	Website string
	Picture string
}

// ServerTransport connects an MCP server to the relay network: it accepts
// signed requests from any number of clients, keeps per-client sessions,
// enforces the authorization policy and routes responses back to their
// senders.
type ServerTransport struct {
	*base

	info     ServerInfo
	policy   AuthPolicy
	announce *announcer
	prices   []CapabilityPrice

	sessions  *sessionStore
	routes    *routeStore
	seenInner *lru.Cache[string, struct{}]

	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	onEvicted       func(clientPubkey string)
	shouldEvict     func(*Session) bool

	mu        sync.Mutex
	started   bool
	closed    bool
	pubkey    string
	stopSweep chan struct{}
	onMessage func(*protocol.Message)
	onMsgCtx  func(*protocol.Message, MessageContext)
	onError   func(error)
	onClose   func()
}

// CapabilityPrice advertises the price of one capability on the matching
// capability list announcement as a ["cap", identifier, price, unit] tag.
type CapabilityPrice struct {
	Method string
	Name   string
	Amount int64
	Unit   string
}

// ServerOption configures a ServerTransport.
type ServerOption func(*ServerTransport)

// WithServerLogger sets the transport logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *ServerTransport) { s.log = log.With("component", "server-transport") }
}

// WithServerInfo sets the published server identity.
func WithServerInfo(info ServerInfo) ServerOption {
	return func(s *ServerTransport) { s.info = info }
}

// WithPublicServer makes the server announce itself and answer unauthorized
// requests with an error instead of silence.
func WithPublicServer() ServerOption {
	return func(s *ServerTransport) { s.policy.IsPublicServer = true }
}

// WithAllowedPubkeys restricts the server to the listed clients.
func WithAllowedPubkeys(pubkeys []string) ServerOption {
	return func(s *ServerTransport) { s.policy.AllowedPubkeys = append([]string(nil), pubkeys...) }
}

// WithExcludedCapabilities opens the listed capabilities to clients outside
// the allow list.
func WithExcludedCapabilities(refs []CapabilityRef) ServerOption {
	return func(s *ServerTransport) { s.policy.Exclusions = append([]CapabilityRef(nil), refs...) }
}

// WithServerEncryption sets the encryption policy.
func WithServerEncryption(mode EncryptionMode) ServerOption {
	return func(s *ServerTransport) { s.encryption = mode }
}

// WithCapabilityPrices advertises capability prices on announcements.
func WithCapabilityPrices(prices []CapabilityPrice) ServerOption {
	return func(s *ServerTransport) { s.prices = append([]CapabilityPrice(nil), prices...) }
}

// WithSessionTimeout sets how long an idle session survives.
func WithSessionTimeout(d time.Duration) ServerOption {
	return func(s *ServerTransport) { s.sessionTimeout = d }
}

// WithCleanupInterval sets how often idle sessions are swept.
func WithCleanupInterval(d time.Duration) ServerOption {
	return func(s *ServerTransport) { s.cleanupInterval = d }
}

// WithOnSessionEvicted registers a callback fired after a client session is
// evicted, with its routes already removed.
func WithOnSessionEvicted(fn func(clientPubkey string)) ServerOption {
	return func(s *ServerTransport) { s.onEvicted = fn }
}

// WithShouldEvictSession registers a predicate that can veto an eviction.
func WithShouldEvictSession(fn func(*Session) bool) ServerOption {
	return func(s *ServerTransport) { s.shouldEvict = fn }
}

// WithSessionCapacity bounds the session and route stores.
func WithSessionCapacity(n int) ServerOption {
	return func(s *ServerTransport) {
		s.sessions = newSessionStore(n, s.log, s.sessionEvicted, s.shouldEvictWrapper)
		s.routes = newRouteStore(n, s.log)
	}
}

// WithAnnounceTimeout bounds the internal announcement handshake.
func WithAnnounceTimeout(d time.Duration) ServerOption {
	return func(s *ServerTransport) { s.announce.handshakeTimeout = d }
}

// WithServerWorkers sets the inbound worker count.
func WithServerWorkers(n int) ServerOption {
	return func(s *ServerTransport) { s.queue = newTaskQueue(n) }
}

// NewServerTransport builds a server transport listening on the signer's
// pubkey through the given relay handler.
func NewServerTransport(sig signer.NostrSigner, r relay.Handler, opts ...ServerOption) *ServerTransport {
	s := &ServerTransport{
		base:            newBase(sig, r, EncryptionOptional, GiftWrapAuto, slog.Default().With("component", "server-transport"), 0),
		sessionTimeout:  defaultSessionTimeout,
		cleanupInterval: defaultCleanupInterval,
	}
	s.announce = newAnnouncer(s)
	s.sessions = newSessionStore(0, s.log, s.sessionEvicted, s.shouldEvictWrapper)
	s.routes = newRouteStore(0, s.log)
	s.seenInner, _ = lru.New[string, struct{}](defaultSeenEventCapacity)
	for _, opt := range opts {
		opt(s)
	}
	s.sessions.log = s.log
	s.routes.log = s.log
	return s
}

func (s *ServerTransport) sessionEvicted(clientPubkey string) {
	s.routes.RemoveForClient(clientPubkey)
	if s.onEvicted != nil {
		s.onEvicted(clientPubkey)
	}
}

func (s *ServerTransport) shouldEvictWrapper(sess *Session) bool {
	if s.shouldEvict == nil {
		return true
	}
	return s.shouldEvict(sess)
}

// SetOnMessage implements Transport.
func (s *ServerTransport) SetOnMessage(fn func(*protocol.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// SetOnMessageWithContext implements ContextualTransport.
func (s *ServerTransport) SetOnMessageWithContext(fn func(*protocol.Message, MessageContext)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMsgCtx = fn
}

// SetOnError implements Transport.
func (s *ServerTransport) SetOnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// SetOnClose implements Transport.
func (s *ServerTransport) SetOnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Pubkey returns the server's public key once started.
func (s *ServerTransport) Pubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey
}

// GetSession returns the session for a client, if one exists.
func (s *ServerTransport) GetSession(clientPubkey string) (*Session, bool) {
	return s.sessions.Get(clientPubkey)
}

// Start implements Transport.
func (s *ServerTransport) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return err
	}
	pubkey, err := s.signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("get public key: %w", err)
	}
	s.mu.Lock()
	s.pubkey = pubkey
	s.stopSweep = make(chan struct{})
	s.mu.Unlock()

	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds: []int{protocol.KindMessage, protocol.KindGiftWrap, protocol.KindEphemeralGiftWrap},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Since: &since,
	}}
	if err := s.subscribe(ctx, filters, s.handleEvent); err != nil {
		return err
	}

	go s.sweepLoop(s.stopSweep)
	if s.policy.IsPublicServer {
		go s.announce.run(context.Background())
	}
	s.log.Info("server transport started", "pubkey", pubkey, "public", s.policy.IsPublicServer)
	return nil
}

// Send implements Transport. Responses are routed back to the client that
// sent the request; notifications fan out or follow their progress token.
func (s *ServerTransport) Send(ctx context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	switch {
	case msg.IsResponse():
		return s.sendResponse(ctx, msg)
	case msg.IsNotification():
		return s.sendNotificationMessage(ctx, msg)
	default:
		return fmt.Errorf("server transport cannot send requests (method %q)", msg.Method)
	}
}

func (s *ServerTransport) sendResponse(ctx context.Context, msg *protocol.Message) error {
	requestEventID := msg.ID.String()
	if requestEventID == protocol.AnnouncementRequestID {
		s.announce.handleResponse(ctx, msg)
		return nil
	}

	route, ok := s.routes.Pop(requestEventID)
	if !ok {
		// Already answered or never routed. At-most-once publication.
		s.log.Warn("dropping response without route", "target", requestEventID)
		return nil
	}

	sess, _ := s.sessions.Get(route.ClientPubkey)
	encrypted := sess != nil && sess.IsEncrypted

	tags := nostr.Tags{
		{protocol.TagPubkey, route.ClientPubkey},
		{protocol.TagEvent, requestEventID},
	}
	if encrypted && msg.Error == nil && protocol.IsInitializeResult(msg.Result) {
		tags = append(tags, s.profileTags()...)
	}

	out := *msg
	out.ID = &route.OriginalID
	wrap := wrapNone
	if encrypted {
		wrap = wrapPersistent
	}
	if err := s.sendMcpMessage(ctx, &out, route.ClientPubkey, protocol.KindMessage, tags, wrap, nil); err != nil {
		// Publish failed; restore the route so a retry can claim it again.
		s.routes.Register(requestEventID, route)
		return err
	}
	return nil
}

func (s *ServerTransport) sendNotificationMessage(ctx context.Context, msg *protocol.Message) error {
	if msg.Method == protocol.NotificationProgress {
		if token := msg.ProgressNotificationToken(); token != "" {
			if eventID, ok := s.routes.ByToken(token); ok {
				if route, ok := s.routes.Peek(eventID); ok {
					return s.SendNotification(ctx, route.ClientPubkey, msg, eventID)
				}
			}
			s.log.Warn("dropping progress notification without route", "token", token)
			return nil
		}
	}

	// Fan out to every client that completed the handshake.
	for _, pubkey := range s.sessions.InitializedPubkeys() {
		pk := pubkey
		ok := s.queue.Push(func() {
			if err := s.SendNotification(context.Background(), pk, msg, ""); err != nil {
				s.emitError(fmt.Errorf("fan out notification to %s: %w", pk, err))
			}
		})
		if !ok {
			s.log.Warn("task queue saturated, dropping notification fan-out", "pubkey", pk)
		}
	}
	return nil
}

// SendNotification publishes a notification to one client, optionally
// correlated to a request event. The payments middleware uses this for the
// CEP-8 flow notifications.
func (s *ServerTransport) SendNotification(ctx context.Context, clientPubkey string, msg *protocol.Message, correlatedEventID string) error {
	tags := nostr.Tags{{protocol.TagPubkey, clientPubkey}}
	if correlatedEventID != "" {
		tags = append(tags, nostr.Tag{protocol.TagEvent, correlatedEventID})
	}
	sess, _ := s.sessions.Get(clientPubkey)
	wrap := wrapNone
	if sess != nil && sess.IsEncrypted {
		wrap = wrapPersistent
	}
	return s.sendMcpMessage(ctx, msg, clientPubkey, protocol.KindMessage, tags, wrap, nil)
}

// Close implements Transport.
func (s *ServerTransport) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stopSweep
	onClose := s.onClose
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.queue.Shutdown()
	s.unsubscribeAll()
	err := s.disconnect(context.Background())
	s.sessions.Clear()
	s.routes.Clear()
	if onClose != nil {
		onClose()
	}
	return err
}

func (s *ServerTransport) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.sessions.SweepIdle(s.sessionTimeout); n > 0 {
				s.log.Debug("swept idle sessions", "count", n)
			}
		}
	}
}

func (s *ServerTransport) handleEvent(ev *nostr.Event) {
	app, encrypted, err := s.openInbound(ev)
	if err != nil {
		s.emitError(fmt.Errorf("open inbound event %s: %w", ev.ID, err))
		return
	}
	if app == nil {
		return
	}

	// The same inner request may arrive through several envelopes.
	if _, dup := s.seenInner.Get(app.ID); dup {
		return
	}
	s.seenInner.Add(app.ID, struct{}{})

	msg, err := protocol.EventToMessage(app, s.maxBytes)
	if err != nil {
		s.log.Warn("dropping undecodable message", "event", app.ID, "err", err)
		return
	}
	clientPubkey := app.PubKey

	decision := s.policy.Check(clientPubkey, msg)
	if !decision.Allowed {
		if decision.RespondUnauthorized {
			s.respondUnauthorized(app, msg, encrypted)
		} else {
			s.log.Debug("dropping unauthorized message", "client", clientPubkey, "method", msg.Method)
		}
		return
	}

	sess := s.sessions.GetOrCreate(clientPubkey)
	sess.IsEncrypted = encrypted

	mctx := MessageContext{
		EventID:           app.ID,
		CorrelatedEventID: protocol.FirstTagValue(app, protocol.TagEvent),
		ClientPubkey:      clientPubkey,
		ClientPMIs:        protocol.TagValues(app, protocol.TagPMI),
	}

	switch {
	case msg.IsRequest():
		s.routes.Register(app.ID, &EventRoute{
			ClientPubkey:  clientPubkey,
			OriginalID:    *msg.ID,
			ProgressToken: msg.ProgressToken(),
		})
		swapped := protocol.StringID(app.ID)
		msg.ID = &swapped
		s.deliver(msg, mctx)

	case msg.IsNotification():
		if msg.Method == protocol.NotificationInitialized {
			sess.Initialized = true
		}
		s.deliver(msg, mctx)

	default:
		s.log.Warn("dropping unexpected inbound response", "event", app.ID, "client", clientPubkey)
	}
}

func (s *ServerTransport) openInbound(ev *nostr.Event) (*nostr.Event, bool, error) {
	return s.openEnvelope(context.Background(), ev)
}

// respondUnauthorized answers a denied request with a JSON-RPC error so
// public clients are not left waiting for a response that never comes.
func (s *ServerTransport) respondUnauthorized(app *nostr.Event, msg *protocol.Message, encrypted bool) {
	resp := protocol.NewErrorResponse(*msg.ID, protocol.CodeInternalError, protocol.MsgUnauthorized, nil)
	tags := nostr.Tags{
		{protocol.TagPubkey, app.PubKey},
		{protocol.TagEvent, app.ID},
	}
	wrap := wrapNone
	if encrypted {
		wrap = wrapPersistent
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	if err := s.sendMcpMessage(ctx, resp, app.PubKey, protocol.KindMessage, tags, wrap, nil); err != nil {
		s.emitError(fmt.Errorf("send unauthorized response: %w", err))
	}
}

// profileTags builds the public identity tags carried on announcements and
// encrypted initialize responses.
func (s *ServerTransport) profileTags() nostr.Tags {
	tags := nostr.Tags{}
	if s.info.Name != "" {
		tags = append(tags, nostr.Tag{protocol.TagName, s.info.Name})
	}
	if s.info.About != "" {
		tags = append(tags, nostr.Tag{protocol.TagAbout, s.info.About})
	}
	if s.info.Website != "" {
		tags = append(tags, nostr.Tag{protocol.TagWebsite, s.info.Website})
	}
	if s.info.Picture != "" {
		tags = append(tags, nostr.Tag{protocol.TagPicture, s.info.Picture})
	}
	if s.encryption != EncryptionDisabled {
		tags = append(tags, nostr.Tag{protocol.TagSupportsEncryption, "true"})
	}
	return tags
}

// priceTags builds the ["cap", identifier, price, unit] tags for the
// capability list announcement of the given kind.
func (s *ServerTransport) priceTags(kind int) nostr.Tags {
	tags := nostr.Tags{}
	for _, p := range s.prices {
		if capabilityListKindForMethod(p.Method) != kind {
			continue
		}
		id := p.Name
		if id == "" {
			id = p.Method
		}
		unit := p.Unit
		if unit == "" {
			unit = "sats"
		}
		tags = append(tags, nostr.Tag{protocol.TagCapability, id, strconv.FormatInt(p.Amount, 10), unit})
	}
	return tags
}

// capabilityListKindForMethod maps a priced capability's method to the list
// announcement it belongs on.
func capabilityListKindForMethod(method string) int {
	family, _, _ := strings.Cut(method, "/")
	switch family {
	case "tools":
		return protocol.KindToolsList
	case "resources":
		return protocol.KindResourcesList
	case "prompts":
		return protocol.KindPromptsList
	}
	return 0
}

func (s *ServerTransport) deliver(msg *protocol.Message, mctx MessageContext) {
	s.mu.Lock()
	onMessage := s.onMessage
	onMsgCtx := s.onMsgCtx
	s.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
	if onMsgCtx != nil {
		onMsgCtx(msg, mctx)
	}
}

func (s *ServerTransport) emitError(err error) {
	s.mu.Lock()
	onError := s.onError
	s.mu.Unlock()
	s.log.Error("server transport error", "err", err)
	if onError != nil {
		onError(err)
	}
}

var _ ContextualTransport = (*ServerTransport)(nil)
