// Package gateway bridges local MCP servers onto the Nostr relay network: a
// server transport faces the relays while one or more backend transports face
// the actual MCP process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/transport"
)

var (
	// ErrNoBackend indicates a gateway built without a backend or factory.
	ErrNoBackend = errors.New("gateway needs a backend or a backend factory")

	// ErrAmbiguousBackend indicates both a backend and a factory were set.
	ErrAmbiguousBackend = errors.New("gateway cannot use both a backend and a factory")

	// ErrStopped indicates an operation on a stopped gateway.
	ErrStopped = errors.New("gateway stopped")
)

// BackendFactory builds the per-client MCP transport in multi-backend mode.
type BackendFactory func(ctx context.Context, clientPubkey string) (transport.Transport, error)

// MessageMiddleware wraps the inbound message path between the server
// transport and the backends. The payments middleware plugs in here.
type MessageMiddleware func(next func(*protocol.Message, transport.MessageContext)) func(*protocol.Message, transport.MessageContext)

// SessionTerminator is implemented by backends that can end their MCP session
// before closing.
type SessionTerminator interface {
	TerminateSession(ctx context.Context) error
}

const defaultBackendCapacity = 1000

// Gateway connects a relay-facing server transport to MCP backends. In
// single mode every client shares one backend; in factory mode each client
// pubkey gets its own, bounded by an LRU.
type Gateway struct {
	server     *transport.ServerTransport
	single     transport.Transport
	factory    BackendFactory
	capacity   int
	middleware MessageMiddleware
	log        *slog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	backends *lru.Cache[string, transport.Transport]
	inflight map[string]*inflightCreate
	creating sync.WaitGroup
}

type inflightCreate struct {
	done    chan struct{}
	backend transport.Transport
	err     error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log.With("component", "gateway") }
}

// WithBackend routes every client through one shared MCP transport.
func WithBackend(t transport.Transport) Option {
	return func(g *Gateway) { g.single = t }
}

// WithBackendFactory builds a dedicated MCP transport per client pubkey.
func WithBackendFactory(fn BackendFactory) Option {
	return func(g *Gateway) { g.factory = fn }
}

// WithBackendCapacity bounds the per-client backend cache.
func WithBackendCapacity(n int) Option {
	return func(g *Gateway) { g.capacity = n }
}

// WithMessageMiddleware installs a wrapper around the inbound message path.
func WithMessageMiddleware(mw MessageMiddleware) Option {
	return func(g *Gateway) { g.middleware = mw }
}

// New builds a gateway over an existing server transport. Exactly one of
// WithBackend or WithBackendFactory must be given.
func New(server *transport.ServerTransport, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		server:   server,
		capacity: defaultBackendCapacity,
		log:      slog.Default().With("component", "gateway"),
		inflight: make(map[string]*inflightCreate),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.single == nil && g.factory == nil {
		return nil, ErrNoBackend
	}
	if g.single != nil && g.factory != nil {
		return nil, ErrAmbiguousBackend
	}
	if g.factory != nil {
		g.backends, _ = lru.NewWithEvict[string, transport.Transport](g.capacity, func(pk string, b transport.Transport) {
			g.log.Info("backend evicted", "client", pk)
			go g.closeBackend(b)
		})
	}
	return g, nil
}

// Start wires the message paths and starts the transports.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	if g.stopped {
		g.mu.Unlock()
		return ErrStopped
	}
	g.started = true
	g.mu.Unlock()

	inbound := g.handleServerMessage
	if g.middleware != nil {
		inbound = g.middleware(inbound)
	}
	g.server.SetOnMessageWithContext(inbound)

	if g.single != nil {
		g.single.SetOnMessage(g.forwardToRelay)
		if err := g.single.Start(ctx); err != nil {
			return fmt.Errorf("start backend: %w", err)
		}
	}
	if err := g.server.Start(ctx); err != nil {
		return fmt.Errorf("start server transport: %w", err)
	}
	return nil
}

// Stop closes the relay side, waits for in-flight backend creations, then
// closes every backend.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	g.mu.Unlock()

	err := g.server.Close()
	g.creating.Wait()

	if g.single != nil {
		if cerr := g.single.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if g.backends != nil {
		g.mu.Lock()
		keys := g.backends.Keys()
		for _, pk := range keys {
			if b, ok := g.backends.Peek(pk); ok {
				g.closeBackend(b)
			}
		}
		g.mu.Unlock()
	}
	return err
}

// TerminateClient tears down the backend serving one client, if any.
func (g *Gateway) TerminateClient(clientPubkey string) {
	if g.backends == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backends.Remove(clientPubkey)
}

// handleServerMessage forwards relay traffic to the responsible backend.
func (g *Gateway) handleServerMessage(msg *protocol.Message, mctx transport.MessageContext) {
	if g.single != nil {
		if err := g.single.Send(context.Background(), msg); err != nil {
			g.log.Error("forward to backend failed", "method", msg.Method, "err", err)
		}
		return
	}

	// Factory mode needs a client to bind the backend to. Internal traffic
	// such as announcement handshakes carries none and stays local.
	if mctx.ClientPubkey == "" {
		g.log.Debug("dropping message without client context", "method", msg.Method)
		return
	}
	backend, err := g.backendFor(context.Background(), mctx.ClientPubkey)
	if err != nil {
		g.log.Error("backend unavailable", "client", mctx.ClientPubkey, "err", err)
		return
	}
	if err := backend.Send(context.Background(), msg); err != nil {
		g.log.Error("forward to backend failed", "client", mctx.ClientPubkey, "method", msg.Method, "err", err)
	}
}

// backendFor returns the backend serving a client, creating it single-flight.
func (g *Gateway) backendFor(ctx context.Context, clientPubkey string) (transport.Transport, error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil, ErrStopped
	}
	if b, ok := g.backends.Get(clientPubkey); ok {
		g.mu.Unlock()
		return b, nil
	}
	if fl, ok := g.inflight[clientPubkey]; ok {
		g.mu.Unlock()
		<-fl.done
		return fl.backend, fl.err
	}
	fl := &inflightCreate{done: make(chan struct{})}
	g.inflight[clientPubkey] = fl
	g.creating.Add(1)
	g.mu.Unlock()

	backend, err := g.factory(ctx, clientPubkey)
	if err == nil {
		backend.SetOnMessage(g.forwardToRelay)
		if serr := backend.Start(ctx); serr != nil {
			backend.Close()
			backend, err = nil, fmt.Errorf("start backend for %s: %w", clientPubkey, serr)
		}
	}

	g.mu.Lock()
	delete(g.inflight, clientPubkey)
	if err == nil {
		g.backends.Add(clientPubkey, backend)
	}
	g.mu.Unlock()

	fl.backend, fl.err = backend, err
	close(fl.done)
	g.creating.Done()
	return backend, err
}

// forwardToRelay pushes backend output to the server transport, which routes
// it to the right client.
func (g *Gateway) forwardToRelay(msg *protocol.Message) {
	if err := g.server.Send(context.Background(), msg); err != nil {
		g.log.Error("forward to relay failed", "err", err)
	}
}

func (g *Gateway) closeBackend(b transport.Transport) {
	if st, ok := b.(SessionTerminator); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.TerminateSession(ctx); err != nil {
			g.log.Warn("terminate backend session failed", "err", err)
		}
		cancel()
	}
	if err := b.Close(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
		g.log.Warn("close backend failed", "err", err)
	}
}
