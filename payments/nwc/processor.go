package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextvm/ctxvm-go/payments"
)

// PMI identifies the Lightning BOLT11 payment method.
const PMI = "bitcoin-lightning-bolt11"

// defaultPollSchedule spaces lookup_invoice calls while a payment settles.
// Front-loaded: most Lightning payments clear within the first two seconds.
var defaultPollSchedule = []time.Duration{
	500 * time.Millisecond,
	750 * time.Millisecond,
	1 * time.Second,
	1500 * time.Millisecond,
	2500 * time.Millisecond,
	4 * time.Second,
	6500 * time.Millisecond,
	10 * time.Second,
	15 * time.Second,
}

const (
	defaultInvoiceExpiry = 300

	invoiceCacheSize  = 10000
	inflightCacheSize = 5000
	redeemedCacheSize = 5000
)

// verifyCall is one in-flight verification. Concurrent verifications for the
// same payment hash join the first call and share its outcome.
type verifyCall struct {
	done    chan struct{}
	receipt *payments.Receipt
	err     error
}

func (c *verifyCall) wait(ctx context.Context) (*payments.Receipt, error) {
	select {
	case <-c.done:
		return c.receipt, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", payments.ErrVerifyTimeout, ctx.Err())
	}
}

// Processor issues and verifies BOLT11 invoices through a NIP-47 wallet.
// A verified invoice is remembered and cannot be redeemed a second time.
type Processor struct {
	client   *Client
	log      *slog.Logger
	schedule []time.Duration
	minPoll  time.Duration
	expiry   int64
	notify   bool

	invoices *lru.Cache[string, string]
	verifyMu sync.Mutex
	inflight *lru.Cache[string, *verifyCall]
	redeemed *lru.Cache[string, struct{}]
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log.With("component", "nwc-processor") }
}

// WithPollInterval sets a floor under the lookup_invoice poll delays, for
// wallets that rate-limit aggressively.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.minPoll = d }
}

// WithPollSchedule replaces the lookup_invoice delay schedule. The last delay
// repeats once the schedule is exhausted.
func WithPollSchedule(delays ...time.Duration) ProcessorOption {
	return func(p *Processor) {
		if len(delays) > 0 {
			p.schedule = delays
		}
	}
}

// WithInvoiceExpiry sets the expiry in seconds requested on issued invoices.
func WithInvoiceExpiry(seconds int64) ProcessorOption {
	return func(p *Processor) { p.expiry = seconds }
}

// WithNotificationWait makes verification race a payment_received
// notification subscription against the poll loop.
func WithNotificationWait() ProcessorOption {
	return func(p *Processor) { p.notify = true }
}

// NewProcessor builds a BOLT11 processor over a wallet client.
func NewProcessor(client *Client, opts ...ProcessorOption) *Processor {
	invoices, _ := lru.New[string, string](invoiceCacheSize)
	inflight, _ := lru.New[string, *verifyCall](inflightCacheSize)
	redeemed, _ := lru.New[string, struct{}](redeemedCacheSize)
	p := &Processor{
		client:   client,
		log:      slog.Default().With("component", "nwc-processor"),
		schedule: defaultPollSchedule,
		expiry:   defaultInvoiceExpiry,
		invoices: invoices,
		inflight: inflight,
		redeemed: redeemed,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PMI implements payments.Processor.
func (p *Processor) PMI() string { return PMI }

// DetectNotifications reads the wallet info event and enables the
// notification wait when the wallet announces payment_received.
func (p *Processor) DetectNotifications(ctx context.Context) error {
	info, err := p.client.FetchInfo(ctx)
	if err != nil {
		return err
	}
	p.notify = info.Notifies(NotificationPaymentReceived)
	p.log.Info("wallet notification support detected", "enabled", p.notify)
	return nil
}

// CreatePaymentRequired implements payments.Processor. The amount is sats;
// NIP-47 wallets count millisats.
func (p *Processor) CreatePaymentRequired(ctx context.Context, req payments.CreateRequest) (*payments.PaymentRequest, error) {
	inv, err := p.client.MakeInvoice(ctx, req.Amount*1000, req.Description, p.expiry)
	if err != nil {
		return nil, fmt.Errorf("make invoice: %w", err)
	}
	if inv.Invoice == "" || inv.PaymentHash == "" {
		return nil, fmt.Errorf("wallet returned incomplete invoice for %q", req.RequestEventID)
	}
	p.invoices.Add(inv.Invoice, inv.PaymentHash)

	ttl := p.expiry
	if inv.ExpiresAt > 0 {
		if left := inv.ExpiresAt - time.Now().Unix(); left > 0 {
			ttl = left
		}
	}
	return &payments.PaymentRequest{PayReq: inv.Invoice, TTL: ttl}, nil
}

// VerifyPayment implements payments.Processor. It polls lookup_invoice, and
// optionally waits on a payment_received notification, until the invoice
// settles, expires or the context ends. Concurrent verifications for the same
// invoice join a single wallet interaction and resolve to the same receipt.
func (p *Processor) VerifyPayment(ctx context.Context, req payments.VerifyRequest) (*payments.Receipt, error) {
	hash, ok := p.invoices.Get(req.PayReq)
	if !ok {
		return nil, fmt.Errorf("%w: unknown invoice", payments.ErrPaymentFailed)
	}

	p.verifyMu.Lock()
	if call, joined := p.inflight.Get(hash); joined {
		p.verifyMu.Unlock()
		return call.wait(ctx)
	}
	if p.redeemed.Contains(hash) {
		p.verifyMu.Unlock()
		return nil, fmt.Errorf("%w: invoice already redeemed", payments.ErrPaymentFailed)
	}
	call := &verifyCall{done: make(chan struct{})}
	p.inflight.Add(hash, call)
	p.verifyMu.Unlock()

	receipt, err := p.awaitSettlement(ctx, hash)

	p.verifyMu.Lock()
	call.receipt, call.err = receipt, err
	if err == nil {
		p.redeemed.Add(hash, struct{}{})
	}
	p.inflight.Remove(hash)
	p.verifyMu.Unlock()
	close(call.done)
	return receipt, err
}

// awaitSettlement runs the single wallet interaction for one invoice.
func (p *Processor) awaitSettlement(ctx context.Context, hash string) (*payments.Receipt, error) {
	notifyCh := make(chan struct{}, 1)
	if p.notify {
		unsub, err := p.client.SubscribeNotifications(ctx, func(note *Notification) {
			if note.Type != NotificationPaymentReceived {
				return
			}
			var pr PaymentReceived
			if err := json.Unmarshal(note.Payload, &pr); err != nil || pr.PaymentHash != hash {
				return
			}
			select {
			case notifyCh <- struct{}{}:
			default:
			}
		})
		if err != nil {
			p.log.Warn("notification subscription failed, polling only", "err", err)
		} else {
			defer unsub()
		}
	}

	for attempt := 0; ; attempt++ {
		inv, err := p.client.LookupInvoice(ctx, hash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", payments.ErrVerifyTimeout, ctx.Err())
			}
			p.log.Debug("lookup_invoice failed, will retry", "payment_hash", hash, "err", err)
		case inv.Settled():
			return receiptFor(hash), nil
		case inv.State == "failed":
			return nil, fmt.Errorf("%w: wallet reports failed", payments.ErrPaymentFailed)
		case inv.Expired(time.Now()):
			return nil, payments.ErrPaymentExpired
		}

		select {
		case <-notifyCh:
			return receiptFor(hash), nil
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", payments.ErrVerifyTimeout, ctx.Err())
		}
	}
}

// receiptFor carries only the payment hash. The preimage stays between the
// payer and the wallet.
func receiptFor(hash string) *payments.Receipt {
	return &payments.Receipt{Meta: map[string]any{"payment_hash": hash}}
}

func (p *Processor) delay(attempt int) time.Duration {
	idx := attempt
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	d := p.schedule[idx]
	if d < p.minPoll {
		d = p.minPoll
	}
	// Spread polls so many pending verifications do not hit the wallet in
	// lockstep.
	offset := (rand.Float64()*2 - 1) * 0.1 * float64(d)
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}
