package payments

import (
	"context"
	"fmt"
	"sync"
)

// FakePMI is the payment method identifier of the in-process fake method,
// used in tests and local development.
const FakePMI = "fake"

// FakeProcessor settles payments without touching a wallet. Verification
// blocks until MarkPaid is called for the invoice, or resolves immediately in
// auto-settle mode.
type FakeProcessor struct {
	AutoSettle bool
	CreateErr  error
	VerifyErr  error

	// InvoiceTTL overrides the issued invoice lifetime in seconds. Zero
	// keeps the 60 second default; negative issues invoices without a TTL.
	InvoiceTTL int64

	mu      sync.Mutex
	counter int
	paid    map[string]chan struct{}
	creates int
	verifs  int
}

// NewFakeProcessor builds a fake processor that settles immediately.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{AutoSettle: true, paid: make(map[string]chan struct{})}
}

// PMI implements Processor.
func (f *FakeProcessor) PMI() string { return FakePMI }

// CreatePaymentRequired implements Processor.
func (f *FakeProcessor) CreatePaymentRequired(_ context.Context, req CreateRequest) (*PaymentRequest, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	f.creates++
	payReq := fmt.Sprintf("fake-invoice-%d", f.counter)
	if f.paid == nil {
		f.paid = make(map[string]chan struct{})
	}
	f.paid[payReq] = make(chan struct{})
	ttl := f.InvoiceTTL
	if ttl == 0 {
		ttl = 60
	} else if ttl < 0 {
		ttl = 0
	}
	return &PaymentRequest{PayReq: payReq, TTL: ttl}, nil
}

// VerifyPayment implements Processor.
func (f *FakeProcessor) VerifyPayment(ctx context.Context, req VerifyRequest) (*Receipt, error) {
	f.mu.Lock()
	f.verifs++
	settled, known := f.paid[req.PayReq]
	auto := f.AutoSettle
	verifyErr := f.VerifyErr
	f.mu.Unlock()

	if verifyErr != nil {
		return nil, verifyErr
	}
	if !known {
		return nil, fmt.Errorf("unknown invoice %q", req.PayReq)
	}
	if auto {
		return &Receipt{Meta: map[string]any{"pay_req": req.PayReq}}, nil
	}
	select {
	case <-settled:
		return &Receipt{Meta: map[string]any{"pay_req": req.PayReq}}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrVerifyTimeout, ctx.Err())
	}
}

// MarkPaid settles an outstanding fake invoice.
func (f *FakeProcessor) MarkPaid(payReq string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.paid[payReq]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Creates returns how many invoices were issued.
func (f *FakeProcessor) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Verifies returns how many verifications ran.
func (f *FakeProcessor) Verifies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifs
}

// FakeHandler records the invoices it was asked to pay and optionally pays
// them through a linked FakeProcessor.
type FakeHandler struct {
	Processor *FakeProcessor
	Reject    bool
	Err       error

	mu      sync.Mutex
	handled []HandleRequest
}

// PMI implements Handler.
func (f *FakeHandler) PMI() string { return FakePMI }

// CanHandle implements HandlerFilter.
func (f *FakeHandler) CanHandle(HandleRequest) bool { return !f.Reject }

// Handle implements Handler.
func (f *FakeHandler) Handle(_ context.Context, req HandleRequest) error {
	f.mu.Lock()
	f.handled = append(f.handled, req)
	f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.Processor != nil {
		f.Processor.MarkPaid(req.PayReq)
	}
	return nil
}

// Handled snapshots the invoices handled so far.
func (f *FakeHandler) Handled() []HandleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HandleRequest(nil), f.handled...)
}
