// Package nwc implements a NIP-47 Nostr Wallet Connect client and the
// Lightning BOLT11 payment processor and handler built on top of it.
package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
)

// Scheme is the NIP-47 connection URI scheme.
const Scheme = "nostr+walletconnect"

var (
	// ErrMissingSecret indicates a connection URI without a secret parameter.
	ErrMissingSecret = errors.New("nwc: connection uri missing secret")

	// ErrMissingRelay indicates a wallet connection with no relay to reach it.
	ErrMissingRelay = errors.New("nwc: connection has no relay")

	// ErrNoInfoEvent indicates the wallet never published a kind 13194 info
	// event on the connection relays.
	ErrNoInfoEvent = errors.New("nwc: wallet info event not found")
)

// Connection is a parsed NIP-47 connection URI.
type Connection struct {
	WalletPubkey string
	RelayURLs    []string
	Secret       string
}

// ParseConnectionURI parses a nostr+walletconnect:// URI.
func ParseConnectionURI(raw string) (*Connection, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("nwc: parse connection uri: %w", err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("nwc: unexpected scheme %q", u.Scheme)
	}
	pubkey := u.Host
	if pubkey == "" {
		// The pubkey lands in the opaque part when the URI omits slashes.
		pubkey = strings.SplitN(u.Opaque, "?", 2)[0]
	}
	if err := validatePubkey(pubkey); err != nil {
		return nil, err
	}
	q := u.Query()
	secret := q.Get("secret")
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Connection{
		WalletPubkey: pubkey,
		RelayURLs:    q["relay"],
		Secret:       secret,
	}, nil
}

func validatePubkey(pubkey string) error {
	if len(pubkey) != 64 {
		return fmt.Errorf("nwc: wallet pubkey must be 64 hex chars, got %d", len(pubkey))
	}
	if _, err := hex.DecodeString(pubkey); err != nil {
		return fmt.Errorf("nwc: wallet pubkey is not hex: %w", err)
	}
	return nil
}

// WalletError is a NIP-47 error object returned by the wallet.
type WalletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("wallet error %s: %s", e.Code, e.Message)
}

type walletRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type walletResponse struct {
	ResultType string          `json:"result_type"`
	Err        *WalletError    `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// WalletInfo is the capability set a wallet advertises in its kind 13194
// info event.
type WalletInfo struct {
	Methods           []string
	NotificationTypes []string
}

// Supports reports whether the wallet advertises an RPC method.
func (i *WalletInfo) Supports(method string) bool {
	for _, m := range i.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Notifies reports whether the wallet advertises a notification type.
func (i *WalletInfo) Notifies(notificationType string) bool {
	for _, t := range i.NotificationTypes {
		if t == notificationType {
			return true
		}
	}
	return false
}

// NotificationPaymentReceived is the NIP-47 notification type for settled
// incoming payments.
const NotificationPaymentReceived = "payment_received"

// Notification is a decrypted NIP-47 wallet notification.
type Notification struct {
	Type    string          `json:"notification_type"`
	Payload json.RawMessage `json:"notification"`
}

// PaymentReceived is the payload of a payment_received notification.
type PaymentReceived struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
	Amount      int64  `json:"amount"`
	SettledAt   int64  `json:"settled_at"`
}

// Invoice is a NIP-47 transaction record, shared by make_invoice and
// lookup_invoice results. Amounts are millisats.
type Invoice struct {
	Type        string `json:"type,omitempty"`
	Invoice     string `json:"invoice"`
	Description string `json:"description,omitempty"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	Amount      int64  `json:"amount"`
	FeesPaid    int64  `json:"fees_paid,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
	State       string `json:"state,omitempty"`
}

// Settled reports whether the invoice is paid. Wallets disagree on which
// field they fill in, so any settlement marker counts.
func (i *Invoice) Settled() bool {
	return i.State == "settled" || i.SettledAt > 0 || i.Preimage != ""
}

// Expired reports whether the invoice can no longer be paid.
func (i *Invoice) Expired(now time.Time) bool {
	if i.State == "expired" {
		return true
	}
	return i.ExpiresAt > 0 && now.Unix() >= i.ExpiresAt && !i.Settled()
}

// PayResult is the result of pay_invoice.
type PayResult struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"`
}

// InfoResult is the result of the get_info RPC.
type InfoResult struct {
	Alias         string   `json:"alias,omitempty"`
	Network       string   `json:"network,omitempty"`
	BlockHeight   int64    `json:"block_height,omitempty"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications,omitempty"`
}

const defaultCallTimeout = 30 * time.Second

// Client talks NIP-47 to one wallet service over Nostr relays. Requests are
// serialized; many wallets process one request at a time.
type Client struct {
	signer       *signer.PrivateKeySigner
	pubkey       string
	walletPubkey string
	relay        relay.Handler
	ownsRelay    bool
	timeout      time.Duration
	log          *slog.Logger

	mu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log.With("component", "nwc") }
}

// WithRelay overrides the relay connection, bypassing the pool built from the
// connection URI.
func WithRelay(h relay.Handler) Option {
	return func(c *Client) { c.relay = h }
}

// WithTimeout sets the per-call deadline applied when the caller's context
// has none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient builds a wallet client from a parsed connection.
func NewClient(conn *Connection, opts ...Option) (*Client, error) {
	sig, err := signer.NewPrivateKeySigner(conn.Secret)
	if err != nil {
		return nil, fmt.Errorf("nwc: connection secret: %w", err)
	}
	pubkey, err := sig.GetPublicKey(context.Background())
	if err != nil {
		return nil, err
	}
	if err := validatePubkey(conn.WalletPubkey); err != nil {
		return nil, err
	}
	c := &Client{
		signer:       sig,
		pubkey:       pubkey,
		walletPubkey: conn.WalletPubkey,
		timeout:      defaultCallTimeout,
		log:          slog.Default().With("component", "nwc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.relay == nil {
		if len(conn.RelayURLs) == 0 {
			return nil, ErrMissingRelay
		}
		c.relay = relay.NewPool(conn.RelayURLs, relay.WithLogger(c.log))
		c.ownsRelay = true
	}
	return c, nil
}

// Connect opens the relay connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.relay.Connect(ctx)
}

// Close tears down the relay connection when the client owns it.
func (c *Client) Close(ctx context.Context) error {
	if c.ownsRelay {
		return c.relay.Disconnect(ctx)
	}
	return nil
}

// WalletPubkey returns the wallet service pubkey.
func (c *Client) WalletPubkey() string { return c.walletPubkey }

// Call performs one NIP-47 request/response round trip. The result, when
// non-nil, receives the unmarshaled result object.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(walletRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("nwc: marshal %s request: %w", method, err)
	}
	content, err := c.signer.NIP04Encrypt(ctx, c.walletPubkey, string(body))
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		Kind:      protocol.KindWalletRequest,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{{protocol.TagPubkey, c.walletPubkey}},
	}
	if err := c.signer.SignEvent(ctx, ev); err != nil {
		return err
	}

	// Subscribe before publishing so the response cannot slip past. The
	// since cushion absorbs clock skew between us and the relay.
	since := nostr.Timestamp(time.Now().Add(-5 * time.Second).Unix())
	respCh := make(chan *nostr.Event, 1)
	unsub, err := c.relay.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindWalletResponse},
		Authors: []string{c.walletPubkey},
		Tags:    nostr.TagMap{protocol.TagEvent: []string{ev.ID}},
		Since:   &since,
	}}, func(got *nostr.Event) {
		select {
		case respCh <- got:
		default:
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("nwc: subscribe for response: %w", err)
	}
	defer unsub()

	if err := c.relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("nwc: publish %s request: %w", method, err)
	}

	select {
	case got := <-respCh:
		return c.decodeResponse(ctx, method, got, result)
	case <-ctx.Done():
		return fmt.Errorf("nwc: %s: %w", method, ctx.Err())
	}
}

func (c *Client) decodeResponse(ctx context.Context, method string, ev *nostr.Event, result any) error {
	plain, err := c.signer.NIP04Decrypt(ctx, c.walletPubkey, ev.Content)
	if err != nil {
		return fmt.Errorf("nwc: decrypt %s response: %w", method, err)
	}
	var resp walletResponse
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return fmt.Errorf("nwc: decode %s response: %w", method, err)
	}
	if resp.Err != nil {
		return resp.Err
	}
	if resp.ResultType != method {
		return fmt.Errorf("nwc: result_type %q does not answer %q", resp.ResultType, method)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("nwc: decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetInfo runs the get_info RPC.
func (c *Client) GetInfo(ctx context.Context) (*InfoResult, error) {
	var info InfoResult
	if err := c.Call(ctx, "get_info", struct{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBalance returns the wallet balance in millisats.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var res struct {
		Balance int64 `json:"balance"`
	}
	if err := c.Call(ctx, "get_balance", struct{}{}, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

// MakeInvoice asks the wallet for a BOLT11 invoice. Amount is millisats.
func (c *Client) MakeInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64) (*Invoice, error) {
	params := map[string]any{"amount": amountMsat}
	if description != "" {
		params["description"] = description
	}
	if expirySeconds > 0 {
		params["expiry"] = expirySeconds
	}
	var inv Invoice
	if err := c.Call(ctx, "make_invoice", params, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// LookupInvoice fetches the current state of an invoice by payment hash.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error) {
	var inv Invoice
	if err := c.Call(ctx, "lookup_invoice", map[string]any{"payment_hash": paymentHash}, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// PayInvoice pays a BOLT11 invoice.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string) (*PayResult, error) {
	var res PayResult
	if err := c.Call(ctx, "pay_invoice", map[string]any{"invoice": bolt11}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FetchInfo reads the wallet's kind 13194 info event: the RPC methods from
// its content and the notification types from its notifications tag.
func (c *Client) FetchInfo(ctx context.Context) (*WalletInfo, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	evCh := make(chan *nostr.Event, 1)
	eoseCh := make(chan struct{}, 1)
	unsub, err := c.relay.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindWalletInfo},
		Authors: []string{c.walletPubkey},
	}}, func(ev *nostr.Event) {
		select {
		case evCh <- ev:
		default:
		}
	}, func() {
		select {
		case eoseCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nwc: subscribe for info event: %w", err)
	}
	defer unsub()

	for {
		select {
		case ev := <-evCh:
			info := &WalletInfo{Methods: strings.Fields(ev.Content)}
			if raw := protocol.FirstTagValue(ev, "notifications"); raw != "" {
				info.NotificationTypes = strings.Fields(raw)
			}
			return info, nil
		case <-eoseCh:
			// Stored events are replayed before EOSE; drain a racing event
			// before giving up.
			select {
			case ev := <-evCh:
				info := &WalletInfo{Methods: strings.Fields(ev.Content)}
				if raw := protocol.FirstTagValue(ev, "notifications"); raw != "" {
					info.NotificationTypes = strings.Fields(raw)
				}
				return info, nil
			default:
				return nil, ErrNoInfoEvent
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("nwc: fetch wallet info: %w", ctx.Err())
		}
	}
}

// SubscribeNotifications streams decrypted wallet notifications until the
// returned cancel function runs. Both the NIP-44 and legacy NIP-04 kinds are
// accepted.
func (c *Client) SubscribeNotifications(ctx context.Context, fn func(*Notification)) (func(), error) {
	since := nostr.Timestamp(time.Now().Add(-5 * time.Second).Unix())
	return c.relay.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindWalletNotification, protocol.KindWalletNotificationLegacy},
		Authors: []string{c.walletPubkey},
		Tags:    nostr.TagMap{protocol.TagPubkey: []string{c.pubkey}},
		Since:   &since,
	}}, func(ev *nostr.Event) {
		note, err := c.decryptNotification(ctx, ev)
		if err != nil {
			c.log.Warn("drop wallet notification", "event", ev.ID, "err", err)
			return
		}
		fn(note)
	}, nil)
}

func (c *Client) decryptNotification(ctx context.Context, ev *nostr.Event) (*Notification, error) {
	plain, err := c.signer.NIP04Decrypt(ctx, c.walletPubkey, ev.Content)
	if err != nil {
		// Newer wallets seal notifications with NIP-44.
		plain, err = c.signer.NIP44Decrypt(ctx, c.walletPubkey, ev.Content)
		if err != nil {
			return nil, err
		}
	}
	var note Notification
	if err := json.Unmarshal([]byte(plain), &note); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &note, nil
}
