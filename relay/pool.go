// Package relay maintains a group of Nostr relay connections behind a single
// logical pub/sub endpoint. Publishes retry until at least one relay accepts,
// subscriptions survive reconnects and group rebuilds, and a periodic probe
// detects half-open sockets.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/metrics"
	"github.com/contextvm/ctxvm-go/retry"
)

// ErrNoRelayAccepted indicates a publish round in which no relay in the group
// accepted the event. The pool treats it as transient and retries.
var ErrNoRelayAccepted = errors.New("no relay accepted the event")

// ErrPoolClosed indicates an operation against a disconnected pool.
var ErrPoolClosed = errors.New("relay pool is not connected")

// Handler is the relay capability the transports consume.
type Handler interface {
	// Connect brings the relay group up. It returns once the group exists,
	// not once every relay is reachable.
	Connect(ctx context.Context) error

	// Disconnect tears the group down. Idempotent.
	Disconnect(ctx context.Context) error

	// Publish delivers the event to at least one relay, retrying with
	// backoff until the context is cancelled.
	Publish(ctx context.Context, ev *nostr.Event) error

	// Subscribe registers a subscription that survives reconnects and
	// rebuilds. The returned function cancels it and is idempotent.
	Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event), onEOSE func()) (func(), error)

	// RelayURLs returns the configured relay URL list.
	RelayURLs() []string
}

const (
	defaultPingFrequency         = 10 * time.Second
	defaultPingTimeout           = 5 * time.Second
	defaultReconnectBaseDelay    = time.Second
	defaultReconnectMaxDelay     = 30 * time.Second
	defaultPublishBaseDelay      = 250 * time.Millisecond
	defaultPublishMaxDelay       = 5 * time.Second
	defaultPublishAttemptTimeout = 5 * time.Second
	defaultDialTimeout           = 10 * time.Second
)

// Pool implements Handler over a set of relay URLs.
type Pool struct {
	urls []string
	log  *slog.Logger
	met  *metrics.Metrics

	pingFrequency         time.Duration
	pingTimeout           time.Duration
	reconnectBaseDelay    time.Duration
	reconnectMaxDelay     time.Duration
	publishBaseDelay      time.Duration
	publishMaxDelay       time.Duration
	publishAttemptTimeout time.Duration
	dialTimeout           time.Duration

	mu         sync.Mutex
	running    bool
	rebuilding bool
	conns      []*poolConn
	subs       map[string]*subscription
	ctx        context.Context
	cancel     context.CancelFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMetrics attaches metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.met = m }
}

// WithPingFrequency sets how often the liveness probe runs.
func WithPingFrequency(d time.Duration) Option {
	return func(p *Pool) { p.pingFrequency = d }
}

// WithPingTimeout sets how long a probe waits before declaring the group dead.
func WithPingTimeout(d time.Duration) Option {
	return func(p *Pool) { p.pingTimeout = d }
}

// WithReconnectDelays sets the per-relay redial backoff bounds.
func WithReconnectDelays(base, max time.Duration) Option {
	return func(p *Pool) {
		p.reconnectBaseDelay = base
		p.reconnectMaxDelay = max
	}
}

// WithPublishBackoff sets the publish retry backoff bounds.
func WithPublishBackoff(base, max time.Duration) Option {
	return func(p *Pool) {
		p.publishBaseDelay = base
		p.publishMaxDelay = max
	}
}

// NewPool builds a pool over the given relay URLs.
func NewPool(urls []string, opts ...Option) *Pool {
	p := &Pool{
		urls:                  append([]string(nil), urls...),
		log:                   slog.Default(),
		pingFrequency:         defaultPingFrequency,
		pingTimeout:           defaultPingTimeout,
		reconnectBaseDelay:    defaultReconnectBaseDelay,
		reconnectMaxDelay:     defaultReconnectMaxDelay,
		publishBaseDelay:      defaultPublishBaseDelay,
		publishMaxDelay:       defaultPublishMaxDelay,
		publishAttemptTimeout: defaultPublishAttemptTimeout,
		dialTimeout:           defaultDialTimeout,
		subs:                  make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect implements Handler.
func (p *Pool) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.conns = p.newConnsLocked()
	for _, c := range p.conns {
		go c.run()
	}
	go p.livenessLoop(p.ctx)
	p.running = true
	return nil
}

// Disconnect implements Handler.
func (p *Pool) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.cancel()
	p.conns = nil
	p.running = false
	return nil
}

// RelayURLs implements Handler.
func (p *Pool) RelayURLs() []string {
	return append([]string(nil), p.urls...)
}

// Subscribe implements Handler. The subscription is registered as a
// descriptor and bound to every live relay; rebuilds and reconnects rebind it
// without caller action.
func (p *Pool) Subscribe(_ context.Context, filters nostr.Filters, onEvent func(*nostr.Event), onEOSE func()) (func(), error) {
	s := &subscription{
		id:      uuid.NewString(),
		filters: filters,
		onEvent: onEvent,
		onEOSE:  onEOSE,
	}
	p.mu.Lock()
	p.subs[s.id] = s
	conns := append([]*poolConn(nil), p.conns...)
	p.mu.Unlock()

	for _, c := range conns {
		c.openSub(s)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.closed.Store(true)
			p.mu.Lock()
			delete(p.subs, s.id)
			conns := append([]*poolConn(nil), p.conns...)
			p.mu.Unlock()
			for _, c := range conns {
				c.closeSub(s.id)
			}
		})
	}, nil
}

// Publish implements Handler. It retries with bounded exponential backoff
// until at least one relay accepts the event or the context is cancelled.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	cfg := retry.Config{
		MaxAttempts:  0,
		InitialDelay: p.publishBaseDelay,
		MaxDelay:     p.publishMaxDelay,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
	_, err := retry.WithRetry(ctx, cfg, retry.Always, func() (struct{}, error) {
		p.met.IncPublishAttempt()
		if err := p.publishOnce(ctx, ev); err != nil {
			p.met.IncPublishRetry()
			p.log.Debug("publish round failed, will retry",
				"event", ev.ID, "kind", ev.Kind, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

func (p *Pool) publishOnce(ctx context.Context, ev *nostr.Event) error {
	relays := p.liveRelays()
	if len(relays) == 0 {
		return ErrNoRelayAccepted
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.publishAttemptTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var accepted atomic.Bool
	for _, r := range relays {
		wg.Add(1)
		go func(r *nostr.Relay) {
			defer wg.Done()
			if err := r.Publish(attemptCtx, *ev); err == nil {
				accepted.Store(true)
			}
		}(r)
	}
	wg.Wait()
	if !accepted.Load() {
		return ErrNoRelayAccepted
	}
	return nil
}

func (p *Pool) newConnsLocked() []*poolConn {
	conns := make([]*poolConn, 0, len(p.urls))
	for _, url := range p.urls {
		ctx, cancel := context.WithCancel(p.ctx)
		conns = append(conns, &poolConn{
			pool:       p,
			url:        url,
			ctx:        ctx,
			cancel:     cancel,
			subCancels: make(map[string]context.CancelFunc),
		})
	}
	return conns
}

func (p *Pool) snapshotSubs() []*subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	return subs
}

func (p *Pool) subCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Pool) liveRelays() []*nostr.Relay {
	p.mu.Lock()
	conns := append([]*poolConn(nil), p.conns...)
	p.mu.Unlock()
	var relays []*nostr.Relay
	for _, c := range conns {
		if r := c.liveRelay(); r != nil {
			relays = append(relays, r)
		}
	}
	return relays
}

// livenessLoop probes the group while subscriptions exist and rebuilds it
// when no relay answers within the ping timeout.
func (p *Pool) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pingFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.subCount() == 0 {
			continue
		}
		if p.probe(ctx) {
			continue
		}
		p.rebuild()
	}
}

// probe opens a cheap one-shot subscription on every live relay and waits for
// any of them to answer. A group with no live relay is left to the per-relay
// redial loops.
func (p *Pool) probe(ctx context.Context) bool {
	relays := p.liveRelays()
	if len(relays) == 0 {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()

	answered := make(chan struct{}, len(relays))
	for _, r := range relays {
		go func(r *nostr.Relay) {
			sub, err := r.Subscribe(probeCtx, nostr.Filters{{Limit: 1}})
			if err != nil {
				return
			}
			defer sub.Unsub()
			select {
			case <-sub.EndOfStoredEvents:
				answered <- struct{}{}
			case <-sub.Events:
				answered <- struct{}{}
			case <-probeCtx.Done():
			}
		}(r)
	}
	select {
	case <-answered:
		return true
	case <-probeCtx.Done():
		return false
	}
}

// rebuild tears down the current relay group and starts a fresh one.
// Single-flight: a rebuild already in progress is not restarted. Subscription
// descriptors rebind as the new connections come up.
func (p *Pool) rebuild() {
	p.mu.Lock()
	if p.rebuilding || !p.running {
		p.mu.Unlock()
		return
	}
	p.rebuilding = true
	old := p.conns
	p.mu.Unlock()

	p.met.IncPoolRebuild()
	p.log.Warn("relay liveness probe failed, rebuilding relay group", "relays", len(p.urls))
	for _, c := range old {
		c.cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuilding = false
	if !p.running {
		// Disconnect raced the rebuild; stay down.
		return
	}
	p.conns = p.newConnsLocked()
	for _, c := range p.conns {
		go c.run()
	}
}

// subscription is a descriptor retained for the life of a Subscribe call.
type subscription struct {
	id       string
	filters  nostr.Filters
	onEvent  func(*nostr.Event)
	onEOSE   func()
	eoseOnce sync.Once
	closed   atomic.Bool
}

func (s *subscription) dispatch(ev *nostr.Event) {
	if s.closed.Load() {
		return
	}
	s.onEvent(ev)
}

func (s *subscription) eose() {
	if s.onEOSE == nil || s.closed.Load() {
		return
	}
	s.eoseOnce.Do(s.onEOSE)
}

// poolConn owns one relay URL: it dials with backoff, rebinds registered
// subscriptions after every connect, and clears state when the socket drops.
type poolConn struct {
	pool   *Pool
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	relay      *nostr.Relay
	subCancels map[string]context.CancelFunc
}

func (c *poolConn) run() {
	delay := c.pool.reconnectBaseDelay
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		dialCtx, cancelDial := context.WithTimeout(c.ctx, c.pool.dialTimeout)
		r, err := nostr.RelayConnect(dialCtx, c.url)
		cancelDial()
		if err != nil {
			c.pool.log.Debug("relay dial failed", "url", c.url, "error", err)
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
			delay *= 2
			if delay > c.pool.reconnectMaxDelay {
				delay = c.pool.reconnectMaxDelay
			}
			continue
		}
		delay = c.pool.reconnectBaseDelay

		c.mu.Lock()
		c.relay = r
		c.mu.Unlock()
		c.pool.log.Debug("relay connected", "url", c.url)

		for _, s := range c.pool.snapshotSubs() {
			c.openSub(s)
		}

		select {
		case <-c.ctx.Done():
			_ = r.Close()
			c.clear()
			return
		case <-r.Context().Done():
			c.pool.log.Debug("relay connection lost", "url", c.url)
			c.clear()
		}
	}
}

func (c *poolConn) liveRelay() *nostr.Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relay
}

func (c *poolConn) openSub(s *subscription) {
	c.mu.Lock()
	r := c.relay
	if r == nil {
		c.mu.Unlock()
		return
	}
	if _, exists := c.subCancels[s.id]; exists {
		c.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(c.ctx)
	c.subCancels[s.id] = cancel
	c.mu.Unlock()

	sub, err := r.Subscribe(subCtx, s.filters)
	if err != nil {
		c.pool.log.Debug("subscribe failed", "url", c.url, "error", err)
		c.closeSub(s.id)
		return
	}

	go func() {
		defer sub.Unsub()
		eose := sub.EndOfStoredEvents
		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				if ev == nil {
					continue
				}
				c.pool.met.IncEventReceived()
				s.dispatch(ev)
			case <-eose:
				eose = nil
				s.eose()
			case <-subCtx.Done():
				return
			}
		}
	}()
}

func (c *poolConn) closeSub(id string) {
	c.mu.Lock()
	cancel, ok := c.subCancels[id]
	if ok {
		delete(c.subCancels, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *poolConn) clear() {
	c.mu.Lock()
	c.relay = nil
	cancels := c.subCancels
	c.subCancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
