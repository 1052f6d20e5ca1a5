package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contextvm/ctxvm-go/metrics"
	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/transport"
)

// ServerPort is the slice of the server transport the middleware drives.
type ServerPort interface {
	Send(ctx context.Context, msg *protocol.Message) error
	SendNotification(ctx context.Context, clientPubkey string, msg *protocol.Message, correlatedEventID string) error
}

// PricedCapability attaches a price to one capability. An empty Name prices
// every capability of the method.
type PricedCapability struct {
	Method      string
	Name        string
	Amount      int64
	Description string
}

// Matches reports whether the entry prices a message, with the same
// method/name semantics as authorization exclusions.
func (p PricedCapability) Matches(msg *protocol.Message) bool {
	if msg.Method != p.Method {
		return false
	}
	return p.Name == "" || p.Name == msg.ParamName()
}

// PriceQuote is the resolved price for one request. Reject refuses the
// request without asking for payment.
type PriceQuote struct {
	Amount        int64
	Description   string
	Reject        bool
	RejectMessage string
}

// PriceResolver computes dynamic prices. A nil resolver uses the static
// priced-capability amounts.
type PriceResolver func(ctx context.Context, req ResolveRequest) (*PriceQuote, error)

// ResolveRequest carries everything a resolver may price on.
type ResolveRequest struct {
	Capability     PricedCapability
	Request        *protocol.Message
	ClientPubkey   string
	RequestEventID string
}

const defaultVerifyTTL = 60 * time.Second

// Middleware gates priced capabilities behind the CEP-8 payment flow. It
// wraps the inbound message path: unpriced traffic passes through untouched,
// priced requests are forwarded only after their payment verifies.
type Middleware struct {
	server     ServerPort
	processors []Processor
	priced     []PricedCapability
	resolver   PriceResolver
	defaultTTL time.Duration
	met        *metrics.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingPayment
}

// pendingPayment tracks one in-flight verification keyed by request event id.
// Redeliveries join it instead of starting a second create/verify.
type pendingPayment struct {
	done chan struct{}
	pmi  string
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareLogger sets the middleware logger.
func WithMiddlewareLogger(log *slog.Logger) MiddlewareOption {
	return func(m *Middleware) { m.log = log.With("component", "payments") }
}

// WithProcessors sets the available processors in server preference order.
func WithProcessors(processors ...Processor) MiddlewareOption {
	return func(m *Middleware) { m.processors = processors }
}

// WithPricedCapabilities sets the static price list.
func WithPricedCapabilities(priced ...PricedCapability) MiddlewareOption {
	return func(m *Middleware) { m.priced = priced }
}

// WithPriceResolver sets a dynamic price resolver.
func WithPriceResolver(fn PriceResolver) MiddlewareOption {
	return func(m *Middleware) { m.resolver = fn }
}

// WithDefaultTTL sets the verification deadline used when the processor does
// not state an invoice TTL.
func WithDefaultTTL(d time.Duration) MiddlewareOption {
	return func(m *Middleware) { m.defaultTTL = d }
}

// WithMiddlewareMetrics sets the metrics sink.
func WithMiddlewareMetrics(met *metrics.Metrics) MiddlewareOption {
	return func(m *Middleware) { m.met = met }
}

// NewMiddleware builds a payments middleware over a server transport.
func NewMiddleware(server ServerPort, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		server:     server,
		defaultTTL: defaultVerifyTTL,
		log:        slog.Default().With("component", "payments"),
		pending:    make(map[string]*pendingPayment),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns an inbound handler that applies the payment gate before next.
func (m *Middleware) Wrap(next func(*protocol.Message, transport.MessageContext)) func(*protocol.Message, transport.MessageContext) {
	return func(msg *protocol.Message, mctx transport.MessageContext) {
		m.handle(msg, mctx, next)
	}
}

func (m *Middleware) handle(msg *protocol.Message, mctx transport.MessageContext, next func(*protocol.Message, transport.MessageContext)) {
	if !msg.IsRequest() {
		next(msg, mctx)
		return
	}
	capability, priced := m.pricedFor(msg)
	if !priced {
		next(msg, mctx)
		return
	}
	if len(m.processors) == 0 {
		m.log.Error("priced capability without processors", "method", msg.Method)
		return
	}

	requestEventID := mctx.EventID

	m.mu.Lock()
	if entry, ok := m.pending[requestEventID]; ok {
		m.mu.Unlock()
		// Relay redelivery: join the running verification. The first
		// delivery owns create, verify and forward.
		m.log.Debug("joining in-flight payment", "event", requestEventID)
		<-entry.done
		return
	}
	entry := &pendingPayment{done: make(chan struct{})}
	m.pending[requestEventID] = entry
	m.mu.Unlock()

	forwarded := m.collect(msg, mctx, capability, entry)

	m.mu.Lock()
	delete(m.pending, requestEventID)
	m.mu.Unlock()
	close(entry.done)

	if forwarded {
		next(msg, mctx)
	}
}

// collect runs quote, invoice and verification for one priced request. It
// returns true only when the payment verified and the request may proceed.
func (m *Middleware) collect(msg *protocol.Message, mctx transport.MessageContext, capability PricedCapability, entry *pendingPayment) bool {
	ctx := context.Background()
	requestEventID := mctx.EventID

	quote, err := m.quote(ctx, msg, mctx, capability)
	if err != nil {
		m.log.Error("price resolution failed", "event", requestEventID, "err", err)
		return false
	}
	if quote.Reject {
		m.reject(ctx, msg, mctx, capability, quote)
		return false
	}

	processor := SelectProcessor(mctx.ClientPMIs, m.processors)
	entry.pmi = processor.PMI()
	m.met.IncPaymentRequired(processor.PMI())

	invoice, err := processor.CreatePaymentRequired(ctx, CreateRequest{
		Amount:         quote.Amount,
		Description:    quote.Description,
		RequestEventID: requestEventID,
		ClientPubkey:   mctx.ClientPubkey,
	})
	if err != nil {
		m.met.IncPaymentFailed(processor.PMI())
		m.log.Error("create invoice failed", "event", requestEventID, "pmi", processor.PMI(), "err", err)
		return false
	}

	required, err := protocol.NewNotification(protocol.NotificationPaymentRequired, protocol.PaymentRequiredParams{
		Amount:      quote.Amount,
		PayReq:      invoice.PayReq,
		PMI:         processor.PMI(),
		Description: quote.Description,
		TTL:         invoice.TTL,
		Meta:        invoice.Meta,
	})
	if err != nil {
		return false
	}
	if err := m.server.SendNotification(ctx, mctx.ClientPubkey, required, requestEventID); err != nil {
		m.log.Error("send payment_required failed", "event", requestEventID, "err", err)
		return false
	}

	ttl := m.defaultTTL
	if invoice.TTL > 0 {
		ttl = time.Duration(invoice.TTL) * time.Second
	}
	verifyCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	receipt, err := processor.VerifyPayment(verifyCtx, VerifyRequest{
		PayReq:         invoice.PayReq,
		RequestEventID: requestEventID,
		ClientPubkey:   mctx.ClientPubkey,
	})
	if err != nil {
		m.met.IncPaymentFailed(processor.PMI())
		if verifyCtx.Err() != nil {
			// The pending entry is removed by the caller, so a client
			// retry after expiry starts a fresh payment.
			m.log.Warn("payment verification timed out", "event", requestEventID, "pmi", processor.PMI())
		} else {
			m.log.Error("payment verification failed", "event", requestEventID, "pmi", processor.PMI(), "err", err)
		}
		return false
	}

	m.met.IncPaymentVerified(processor.PMI())
	var meta map[string]any
	if receipt != nil {
		meta = receipt.Meta
	}
	accepted, err := protocol.NewNotification(protocol.NotificationPaymentAccepted, protocol.PaymentAcceptedParams{
		Amount: quote.Amount,
		PMI:    processor.PMI(),
		Meta:   meta,
	})
	if err == nil {
		if err := m.server.SendNotification(ctx, mctx.ClientPubkey, accepted, requestEventID); err != nil {
			m.log.Warn("send payment_accepted failed", "event", requestEventID, "err", err)
		}
	}
	return true
}

func (m *Middleware) pricedFor(msg *protocol.Message) (PricedCapability, bool) {
	for _, p := range m.priced {
		if p.Matches(msg) {
			return p, true
		}
	}
	return PricedCapability{}, false
}

func (m *Middleware) quote(ctx context.Context, msg *protocol.Message, mctx transport.MessageContext, capability PricedCapability) (*PriceQuote, error) {
	if m.resolver == nil {
		return &PriceQuote{Amount: capability.Amount, Description: capability.Description}, nil
	}
	quote, err := m.resolver(ctx, ResolveRequest{
		Capability:     capability,
		Request:        msg,
		ClientPubkey:   mctx.ClientPubkey,
		RequestEventID: mctx.EventID,
	})
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, fmt.Errorf("price resolver returned no quote for %s", msg.Method)
	}
	return quote, nil
}

// reject refuses a priced request by server policy: a payment_rejected
// notification followed by a synthesized error response, never a forward.
func (m *Middleware) reject(ctx context.Context, msg *protocol.Message, mctx transport.MessageContext, capability PricedCapability, quote *PriceQuote) {
	pmi := ""
	if len(m.processors) > 0 {
		pmi = SelectProcessor(mctx.ClientPMIs, m.processors).PMI()
	}
	rejected, err := protocol.NewNotification(protocol.NotificationPaymentRejected, protocol.PaymentRejectedParams{
		PMI:     pmi,
		Amount:  capability.Amount,
		Message: quote.RejectMessage,
	})
	if err == nil {
		if err := m.server.SendNotification(ctx, mctx.ClientPubkey, rejected, mctx.EventID); err != nil {
			m.log.Warn("send payment_rejected failed", "event", mctx.EventID, "err", err)
		}
	}
	resp := protocol.NewErrorResponse(*msg.ID, protocol.CodeInternalError, protocol.MsgDeclinedByServerPolicy, nil)
	if err := m.server.Send(ctx, resp); err != nil {
		m.log.Error("send rejection response failed", "event", mctx.EventID, "err", err)
	}
}
