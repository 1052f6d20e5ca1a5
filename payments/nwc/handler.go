package nwc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/contextvm/ctxvm-go/payments"
)

// Handler pays BOLT11 invoices through a NIP-47 wallet.
type Handler struct {
	client    *Client
	maxAmount int64
	log       *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log.With("component", "nwc-handler") }
}

// WithMaxAmount caps the invoice amount in sats the handler will pay.
// Zero means no cap.
func WithMaxAmount(sats int64) HandlerOption {
	return func(h *Handler) { h.maxAmount = sats }
}

// NewHandler builds a paying handler over a wallet client.
func NewHandler(client *Client, opts ...HandlerOption) *Handler {
	h := &Handler{
		client: client,
		log:    slog.Default().With("component", "nwc-handler"),
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
	res, err := h.client.PayInvoice(ctx, req.PayReq)
	if err != nil {
		return fmt.Errorf("pay invoice: %w", err)
	}
	h.log.Info("invoice paid", "amount_sats", req.Amount, "fees_msat", res.FeesPaid)
	return nil
}

var (
	_ payments.Processor     = (*Processor)(nil)
	_ payments.Handler       = (*Handler)(nil)
	_ payments.HandlerFilter = (*Handler)(nil)
)
