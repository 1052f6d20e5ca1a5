// Package payments implements the CEP-8 payment flow on both sides of the
// wire: a server middleware that gates priced capabilities behind an invoice,
// and a client wrapper that pays invoices and keeps the MCP session alive
// while it waits.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrNoProcessor indicates a payment flow with no processor configured.
	ErrNoProcessor = errors.New("no payment processor configured")

	// ErrVerifyTimeout indicates the payment was not verified within the
	// invoice TTL.
	ErrVerifyTimeout = errors.New("payment verification timed out")

	// ErrPaymentExpired is returned by processors for invoices that expired
	// before settling. Terminal: verification must not be retried.
	ErrPaymentExpired = errors.New("invoice expired")

	// ErrPaymentFailed is returned by processors for payments the wallet
	// reports as failed. Terminal.
	ErrPaymentFailed = errors.New("payment failed")
)

// CreateRequest asks a processor to issue an invoice for one priced request.
type CreateRequest struct {
	Amount         int64
	Description    string
	RequestEventID string
	ClientPubkey   string
}

// PaymentRequest is an issued invoice awaiting settlement.
type PaymentRequest struct {
	PayReq string

	// TTL is the invoice lifetime in seconds. Zero means the processor
	// default applies.
	TTL int64

	Meta map[string]any
}

// VerifyRequest asks a processor to confirm settlement of an invoice. The
// context deadline is the invoice TTL.
type VerifyRequest struct {
	PayReq         string
	RequestEventID string
	ClientPubkey   string
}

// Receipt is the settlement proof a processor returns. Meta carries
// PMI-specific fields such as payment_hash, never payment secrets.
type Receipt struct {
	Meta map[string]any
}

// Processor issues and verifies invoices for one payment method.
type Processor interface {
	// PMI returns the payment method identifier this processor serves.
	PMI() string

	CreatePaymentRequired(ctx context.Context, req CreateRequest) (*PaymentRequest, error)
	VerifyPayment(ctx context.Context, req VerifyRequest) (*Receipt, error)
}

// HandleRequest is a payment_required the client side has been asked to pay.
type HandleRequest struct {
	PMI            string
	Amount         int64
	PayReq         string
	Description    string
	RequestEventID string
}

// Handler pays invoices for one payment method on the client side.
type Handler interface {
	PMI() string
	Handle(ctx context.Context, req HandleRequest) error
}

// HandlerFilter is optionally implemented by handlers that want a veto before
// payment starts.
type HandlerFilter interface {
	CanHandle(req HandleRequest) bool
}

// Policy is a client-wide veto consulted before any handler runs.
type Policy func(req HandleRequest) bool
