// Package lnbits implements a BOLT11 payment processor and handler backed by
// the LNbits REST API, for servers that run their own LNbits instance instead
// of a NIP-47 wallet.
package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextvm/ctxvm-go/payments"
)

// PMI matches the Lightning BOLT11 method.
const PMI = "bitcoin-lightning-bolt11"

const (
	defaultInvoiceExpiry = 300

	invoiceCacheSize  = 10000
	inflightCacheSize = 5000
	redeemedCacheSize = 5000
)

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

// apiError is an LNbits error response.
type apiError struct {
	Detail string `json:"detail"`
}

// Client is a thin LNbits REST client. InvoiceKey authorizes invoice
// creation and lookup; AdminKey additionally authorizes outgoing payments.
type Client struct {
	baseURL    string
	invoiceKey string
	adminKey   string
	http       *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithAdminKey sets the admin key used for outgoing payments.
func WithAdminKey(key string) ClientOption {
	return func(cl *Client) { cl.adminKey = key }
}

// NewClient builds an LNbits client.
func NewClient(baseURL, invoiceKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		invoiceKey: invoiceKey,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InvoiceRecord is the LNbits view of one invoice.
type InvoiceRecord struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
	Paid           bool   `json:"paid"`
}

// payReq returns whichever invoice field the instance filled in; the field
// name changed across LNbits releases.
func (r *InvoiceRecord) payReq() string {
	if r.PaymentRequest != "" {
		return r.PaymentRequest
	}
	return r.Bolt11
}

// CreateInvoice asks LNbits for an incoming invoice. Amount is sats.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*InvoiceRecord, error) {
	body := map[string]any{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
		"expiry": expirySeconds,
	}
	var rec InvoiceRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", c.invoiceKey, body, &rec); err != nil {
		return nil, fmt.Errorf("lnbits: create invoice: %w", err)
	}
	if rec.PaymentHash == "" || rec.payReq() == "" {
		return nil, fmt.Errorf("lnbits: incomplete invoice response")
	}
	return &rec, nil
}

// CheckInvoice looks up an invoice's paid state by payment hash.
func (c *Client) CheckInvoice(ctx context.Context, paymentHash string) (*InvoiceRecord, error) {
	var rec InvoiceRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+paymentHash, c.invoiceKey, nil, &rec); err != nil {
		return nil, fmt.Errorf("lnbits: check invoice: %w", err)
	}
	return &rec, nil
}

// Pay settles an outgoing BOLT11 invoice with the admin key.
func (c *Client) Pay(ctx context.Context, bolt11 string) (*InvoiceRecord, error) {
	if c.adminKey == "" {
		return nil, fmt.Errorf("lnbits: paying requires an admin key")
	}
	body := map[string]any{"out": true, "bolt11": bolt11}
	var rec InvoiceRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", c.adminKey, body, &rec); err != nil {
		return nil, fmt.Errorf("lnbits: pay invoice: %w", err)
	}
	return &rec, nil
}

func (c *Client) do(ctx context.Context, method, path, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Detail)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

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

// Processor issues and verifies invoices through LNbits.
type Processor struct {
	client   *Client
	log      *slog.Logger
	schedule []time.Duration
	expiry   int64

	invoices *lru.Cache[string, string]
	verifyMu sync.Mutex
	inflight *lru.Cache[string, *verifyCall]
	redeemed *lru.Cache[string, struct{}]
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log.With("component", "lnbits") }
}

// WithPollSchedule replaces the invoice poll schedule. The last delay repeats
// once the schedule is exhausted.
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

// NewProcessor builds an LNbits-backed processor.
func NewProcessor(client *Client, opts ...ProcessorOption) *Processor {
	invoices, _ := lru.New[string, string](invoiceCacheSize)
	inflight, _ := lru.New[string, *verifyCall](inflightCacheSize)
	redeemed, _ := lru.New[string, struct{}](redeemedCacheSize)
	p := &Processor{
		client:   client,
		log:      slog.Default().With("component", "lnbits"),
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

// CreatePaymentRequired implements payments.Processor.
func (p *Processor) CreatePaymentRequired(ctx context.Context, req payments.CreateRequest) (*payments.PaymentRequest, error) {
	rec, err := p.client.CreateInvoice(ctx, req.Amount, req.Description, p.expiry)
	if err != nil {
		return nil, err
	}
	p.invoices.Add(rec.payReq(), rec.PaymentHash)
	return &payments.PaymentRequest{PayReq: rec.payReq(), TTL: p.expiry}, nil
}

// VerifyPayment implements payments.Processor. Concurrent verifications for
// the same invoice join a single poll loop and resolve to the same receipt.
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

func (p *Processor) awaitSettlement(ctx context.Context, hash string) (*payments.Receipt, error) {
	for attempt := 0; ; attempt++ {
		rec, err := p.client.CheckInvoice(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", payments.ErrVerifyTimeout, ctx.Err())
			}
			p.log.Debug("invoice check failed, will retry", "payment_hash", hash, "err", err)
		} else if rec.Paid {
			return &payments.Receipt{Meta: map[string]any{"payment_hash": hash}}, nil
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", payments.ErrVerifyTimeout, ctx.Err())
		}
	}
}

func (p *Processor) delay(attempt int) time.Duration {
	idx := attempt
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	d := p.schedule[idx]
	offset := (rand.Float64()*2 - 1) * 0.1 * float64(d)
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// Handler pays BOLT11 invoices through an LNbits wallet.
type Handler struct {
	client    *Client
	maxAmount int64
	log       *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log.With("component", "lnbits-handler") }
}

// WithMaxAmount caps the invoice amount in sats the handler will pay.
// Zero means no cap.
func WithMaxAmount(sats int64) HandlerOption {
	return func(h *Handler) { h.maxAmount = sats }
}

// NewHandler builds a paying handler over an LNbits client.
func NewHandler(client *Client, opts ...HandlerOption) *Handler {
	h := &Handler{
		client: client,
		log:    slog.Default().With("component", "lnbits-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PMI implements payments.Handler.
func (h *Handler) PMI() string { return PMI }

// CanHandle implements payments.HandlerFilter.
func (h *Handler) CanHandle(req payments.HandleRequest) bool {
	return h.maxAmount <= 0 || req.Amount <= h.maxAmount
}

// Handle implements payments.Handler.
func (h *Handler) Handle(ctx context.Context, req payments.HandleRequest) error {
	if _, err := h.client.Pay(ctx, req.PayReq); err != nil {
		return err
	}
	h.log.Info("invoice paid", "amount_sats", req.Amount)
	return nil
}

var (
	_ payments.Processor     = (*Processor)(nil)
	_ payments.Handler       = (*Handler)(nil)
	_ payments.HandlerFilter = (*Handler)(nil)
)
