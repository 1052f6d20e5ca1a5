// Package zap implements a NIP-57 payment processor: invoices come from the
// recipient's LNURL-pay endpoint and settlement is proven by the zap receipt
// the endpoint publishes, so the server needs no wallet credentials to
// verify payments.
package zap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/payments"
	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
)

// PMI matches the BOLT11 method: the payer just pays a Lightning invoice,
// only the server-side verification differs.
const PMI = "bitcoin-lightning-bolt11"

var (
	// ErrNoNostrSupport indicates an LNURL endpoint that cannot issue zap
	// invoices.
	ErrNoNostrSupport = errors.New("zap: lnurl endpoint does not support nostr zaps")

	// ErrAmountOutOfRange indicates a price outside the endpoint's
	// sendable bounds.
	ErrAmountOutOfRange = errors.New("zap: amount outside lnurl sendable range")
)

// PayParams is the subset of an LNURL-pay response the processor needs.
type PayParams struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey"`
	Tag         string `json:"tag"`
}

// ResolveLNURL turns a lightning address or an https endpoint into the
// LNURL-pay request URL.
func ResolveLNURL(address string) (string, error) {
	if strings.HasPrefix(address, "https://") || strings.HasPrefix(address, "http://") {
		return address, nil
	}
	name, domain, ok := strings.Cut(address, "@")
	if !ok || name == "" || domain == "" {
		return "", fmt.Errorf("zap: %q is neither a lightning address nor an lnurl endpoint", address)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, name), nil
}

const (
	defaultInvoiceTTL = 300
	pendingCacheSize  = 10000
	inflightCacheSize = 5000
	redeemedCacheSize = 5000
)

// verifyCall is one in-flight verification. Concurrent verifications for the
// same invoice join the first call and share its outcome.
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

// Processor issues zap invoices for one recipient and verifies them against
// kind 9735 receipts.
type Processor struct {
	address string
	signer  signer.NostrSigner
	relay   relay.Handler
	http    *http.Client
	log     *slog.Logger
	ttl     int64

	mu     sync.Mutex
	params *PayParams

	pending  *lru.Cache[string, string]
	verifyMu sync.Mutex
	inflight *lru.Cache[string, *verifyCall]
	redeemed *lru.Cache[string, struct{}]
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log.With("component", "zap") }
}

// WithHTTPClient overrides the LNURL HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Processor) { p.http = c }
}

// WithInvoiceTTL sets the TTL in seconds advertised on payment requests.
func WithInvoiceTTL(seconds int64) Option {
	return func(p *Processor) { p.ttl = seconds }
}

// NewProcessor builds a zap processor. The address is the recipient's
// lightning address or LNURL-pay endpoint; the signer signs zap requests and
// the relay handler watches for receipts.
func NewProcessor(address string, sig signer.NostrSigner, rl relay.Handler, opts ...Option) *Processor {
	pending, _ := lru.New[string, string](pendingCacheSize)
	inflight, _ := lru.New[string, *verifyCall](inflightCacheSize)
	redeemed, _ := lru.New[string, struct{}](redeemedCacheSize)
	p := &Processor{
		address:  address,
		signer:   sig,
		relay:    rl,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      slog.Default().With("component", "zap"),
		ttl:      defaultInvoiceTTL,
		pending:  pending,
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

// payParams resolves and caches the LNURL-pay parameters.
func (p *Processor) payParams(ctx context.Context) (*PayParams, error) {
	p.mu.Lock()
	cached := p.params
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	endpoint, err := ResolveLNURL(p.address)
	if err != nil {
		return nil, err
	}
	var params PayParams
	if err := p.getJSON(ctx, endpoint, &params); err != nil {
		return nil, fmt.Errorf("zap: fetch lnurl params: %w", err)
	}
	if !params.AllowsNostr || params.NostrPubkey == "" {
		return nil, ErrNoNostrSupport
	}
	if params.Callback == "" {
		return nil, fmt.Errorf("zap: lnurl params missing callback")
	}

	p.mu.Lock()
	p.params = &params
	p.mu.Unlock()
	return &params, nil
}

// CreatePaymentRequired implements payments.Processor. The amount is sats.
func (p *Processor) CreatePaymentRequired(ctx context.Context, req payments.CreateRequest) (*payments.PaymentRequest, error) {
	params, err := p.payParams(ctx)
	if err != nil {
		return nil, err
	}
	msats := req.Amount * 1000
	if msats < params.MinSendable || (params.MaxSendable > 0 && msats > params.MaxSendable) {
		return nil, fmt.Errorf("%w: %d msat not in [%d, %d]",
			ErrAmountOutOfRange, msats, params.MinSendable, params.MaxSendable)
	}

	zapRequest, err := p.buildZapRequest(ctx, msats)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(zapRequest)
	if err != nil {
		return nil, fmt.Errorf("zap: marshal zap request: %w", err)
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return nil, fmt.Errorf("zap: callback url: %w", err)
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatInt(msats, 10))
	q.Set("nostr", string(raw))
	callback.RawQuery = q.Encode()

	var res struct {
		Status  string `json:"status"`
		Reason  string `json:"reason"`
		Invoice string `json:"pr"`
	}
	if err := p.getJSON(ctx, callback.String(), &res); err != nil {
		return nil, fmt.Errorf("zap: lnurl callback: %w", err)
	}
	if strings.EqualFold(res.Status, "ERROR") {
		return nil, fmt.Errorf("zap: lnurl callback refused: %s", res.Reason)
	}
	if res.Invoice == "" {
		return nil, fmt.Errorf("zap: lnurl callback returned no invoice")
	}

	p.pending.Add(res.Invoice, zapRequest.ID)
	return &payments.PaymentRequest{PayReq: res.Invoice, TTL: p.ttl}, nil
}

// buildZapRequest assembles and signs the kind 9734 event the LNURL server
// embeds in the receipt.
func (p *Processor) buildZapRequest(ctx context.Context, msats int64) (*nostr.Event, error) {
	pubkey, err := p.signer.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      protocol.KindZapRequest,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			append(nostr.Tag{"relays"}, p.relay.RelayURLs()...),
			{"amount", strconv.FormatInt(msats, 10)},
			{protocol.TagPubkey, pubkey},
		},
	}
	if err := p.signer.SignEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("zap: sign zap request: %w", err)
	}
	return ev, nil
}

// VerifyPayment implements payments.Processor. It waits for a kind 9735
// receipt from the LNURL provider whose bolt11 tag carries the invoice.
// Concurrent verifications for the same invoice join a single receipt watch
// and resolve to the same receipt.
func (p *Processor) VerifyPayment(ctx context.Context, req payments.VerifyRequest) (*payments.Receipt, error) {
	if _, ok := p.pending.Get(req.PayReq); !ok {
		return nil, fmt.Errorf("%w: unknown invoice", payments.ErrPaymentFailed)
	}

	p.verifyMu.Lock()
	if call, joined := p.inflight.Get(req.PayReq); joined {
		p.verifyMu.Unlock()
		return call.wait(ctx)
	}
	if p.redeemed.Contains(req.PayReq) {
		p.verifyMu.Unlock()
		return nil, fmt.Errorf("%w: invoice already redeemed", payments.ErrPaymentFailed)
	}
	call := &verifyCall{done: make(chan struct{})}
	p.inflight.Add(req.PayReq, call)
	p.verifyMu.Unlock()

	receipt, err := p.awaitReceipt(ctx, req.PayReq)

	p.verifyMu.Lock()
	call.receipt, call.err = receipt, err
	if err == nil {
		p.redeemed.Add(req.PayReq, struct{}{})
	}
	p.inflight.Remove(req.PayReq)
	p.verifyMu.Unlock()
	close(call.done)
	return receipt, err
}

// awaitReceipt runs the single receipt subscription for one invoice.
func (p *Processor) awaitReceipt(ctx context.Context, payReq string) (*payments.Receipt, error) {
	params, err := p.payParams(ctx)
	if err != nil {
		return nil, err
	}

	receiptCh := make(chan *nostr.Event, 1)
	since := nostr.Timestamp(time.Now().Add(-5 * time.Minute).Unix())
	unsub, err := p.relay.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindZapReceipt},
		Authors: []string{params.NostrPubkey},
		Since:   &since,
	}}, func(ev *nostr.Event) {
		if protocol.FirstTagValue(ev, "bolt11") != payReq {
			return
		}
		select {
		case receiptCh <- ev:
		default:
		}
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("zap: subscribe for receipts: %w", err)
	}
	defer unsub()

	select {
	case ev := <-receiptCh:
		return &payments.Receipt{Meta: map[string]any{"zap_receipt_event_id": ev.ID}}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", payments.ErrVerifyTimeout, ctx.Err())
	}
}

func (p *Processor) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

var _ payments.Processor = (*Processor)(nil)
