package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/transport"
)

// fakeServerPort records what the middleware publishes.
type fakeServerPort struct {
	mu            sync.Mutex
	notifications []*protocol.Message
	responses     []*protocol.Message
}

func (f *fakeServerPort) Send(_ context.Context, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, msg)
	return nil
}

func (f *fakeServerPort) SendNotification(_ context.Context, _ string, msg *protocol.Message, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, msg)
	return nil
}

func (f *fakeServerPort) notificationMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notifications {
		out = append(out, n.Method)
	}
	return out
}

type forwardCounter struct {
	mu    sync.Mutex
	count int
}

func (c *forwardCounter) fn(*protocol.Message, transport.MessageContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func (c *forwardCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func pricedToolCall(t *testing.T, name string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewRequest(protocol.StringID("req-1"), protocol.MethodToolsCall,
		map[string]any{"name": name})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return msg
}

func TestMiddleware_UnpricedPassesThrough(t *testing.T) {
	port := &fakeServerPort{}
	proc := NewFakeProcessor()
	mw := NewMiddleware(port,
		WithProcessors(proc),
		WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Name: "paid", Amount: 10}))

	forwards := &forwardCounter{}
	handler := mw.Wrap(forwards.fn)

	handler(pricedToolCall(t, "free"), transport.MessageContext{EventID: "ev-1"})
	if forwards.value() != 1 {
		t.Fatalf("unpriced request not forwarded")
	}
	if proc.Creates() != 0 {
		t.Errorf("invoice created for unpriced request")
	}
}

func TestMiddleware_PaidRequestForwardsAfterVerify(t *testing.T) {
	port := &fakeServerPort{}
	proc := NewFakeProcessor()
	mw := NewMiddleware(port,
		WithProcessors(proc),
		WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Name: "paid", Amount: 21}))

	forwards := &forwardCounter{}
	handler := mw.Wrap(forwards.fn)
	handler(pricedToolCall(t, "paid"), transport.MessageContext{EventID: "ev-1", ClientPubkey: "pk"})

	if forwards.value() != 1 {
		t.Fatal("verified request was not forwarded")
	}
	methods := port.notificationMethods()
	if len(methods) != 2 ||
		methods[0] != protocol.NotificationPaymentRequired ||
		methods[1] != protocol.NotificationPaymentAccepted {
		t.Errorf("unexpected notification sequence: %v", methods)
	}
}

func TestMiddleware_RedeliveryJoinsInFlight(t *testing.T) {
	port := &fakeServerPort{}
	proc := NewFakeProcessor()
	proc.AutoSettle = false
	mw := NewMiddleware(port,
		WithProcessors(proc),
		WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Amount: 10}))

	forwards := &forwardCounter{}
	handler := mw.Wrap(forwards.fn)
	mctx := transport.MessageContext{EventID: "ev-1", ClientPubkey: "pk"}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler(pricedToolCall(t, "x"), mctx)
		}()
	}

	// Wait until the invoice exists, then settle it.
	deadline := time.Now().Add(5 * time.Second)
	for proc.Creates() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	proc.MarkPaid("fake-invoice-1")
	wg.Wait()

	if proc.Creates() != 1 {
		t.Errorf("expected exactly one invoice, got %d", proc.Creates())
	}
	if proc.Verifies() != 1 {
		t.Errorf("expected exactly one verification, got %d", proc.Verifies())
	}
	if forwards.value() != 1 {
		t.Errorf("expected exactly one forward, got %d", forwards.value())
	}
}

func TestMiddleware_FailClosed(t *testing.T) {
	t.Run("create error", func(t *testing.T) {
		proc := NewFakeProcessor()
		proc.CreateErr = errors.New("wallet down")
		mw := NewMiddleware(&fakeServerPort{},
			WithProcessors(proc),
			WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Amount: 10}))
		forwards := &forwardCounter{}
		mw.Wrap(forwards.fn)(pricedToolCall(t, "x"), transport.MessageContext{EventID: "ev-1"})
		if forwards.value() != 0 {
			t.Error("forwarded despite create failure")
		}
	})
	t.Run("verify error", func(t *testing.T) {
		proc := NewFakeProcessor()
		proc.VerifyErr = errors.New("lookup failed")
		mw := NewMiddleware(&fakeServerPort{},
			WithProcessors(proc),
			WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Amount: 10}))
		forwards := &forwardCounter{}
		mw.Wrap(forwards.fn)(pricedToolCall(t, "x"), transport.MessageContext{EventID: "ev-1"})
		if forwards.value() != 0 {
			t.Error("forwarded despite verify failure")
		}
	})
}

func TestMiddleware_TimeoutClearsPendingForRetry(t *testing.T) {
	proc := NewFakeProcessor()
	proc.AutoSettle = false
	proc.InvoiceTTL = -1
	mw := NewMiddleware(&fakeServerPort{},
		WithProcessors(proc),
		WithDefaultTTL(50*time.Millisecond),
		WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Amount: 10}))

	forwards := &forwardCounter{}
	handler := mw.Wrap(forwards.fn)
	mctx := transport.MessageContext{EventID: "ev-1"}

	handler(pricedToolCall(t, "x"), mctx)
	if forwards.value() != 0 {
		t.Fatal("forwarded despite timeout")
	}

	// The entry must be gone: a retry starts a fresh payment instead of
	// joining a dead one.
	done := make(chan struct{})
	go func() {
		handler(pricedToolCall(t, "x"), mctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry joined a cleared payment and hung")
	}
	if proc.Creates() != 2 {
		t.Errorf("expected a fresh invoice on retry, got %d creates", proc.Creates())
	}
}

func TestMiddleware_ResolverRejectRespondsWithoutForward(t *testing.T) {
	port := &fakeServerPort{}
	proc := NewFakeProcessor()
	mw := NewMiddleware(port,
		WithProcessors(proc),
		WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Amount: 10}),
		WithPriceResolver(func(_ context.Context, req ResolveRequest) (*PriceQuote, error) {
			return &PriceQuote{Reject: true, RejectMessage: "client is banned"}, nil
		}))

	forwards := &forwardCounter{}
	mw.Wrap(forwards.fn)(pricedToolCall(t, "x"), transport.MessageContext{EventID: "ev-1", ClientPubkey: "pk"})

	if forwards.value() != 0 {
		t.Fatal("rejected request was forwarded")
	}
	if proc.Creates() != 0 {
		t.Error("invoice created for a rejected request")
	}
	methods := port.notificationMethods()
	if len(methods) != 1 || methods[0] != protocol.NotificationPaymentRejected {
		t.Errorf("expected a payment_rejected notification, got %v", methods)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.responses) != 1 {
		t.Fatalf("expected one synthesized response, got %d", len(port.responses))
	}
	resp := port.responses[0]
	if resp.Error == nil || resp.Error.Message != protocol.MsgDeclinedByServerPolicy {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSelectProcessor_PrefersClientOrder(t *testing.T) {
	bolt := &FakeProcessor{}
	fake := NewFakeProcessor()
	other := &namedProcessor{pmi: "bitcoin-lightning-bolt11", FakeProcessor: bolt}

	// Server prefers fake; the client asks for bolt11 first.
	got := SelectProcessor([]string{"bitcoin-lightning-bolt11", FakePMI}, []Processor{fake, other})
	if got.PMI() != "bitcoin-lightning-bolt11" {
		t.Errorf("client preference ignored: %s", got.PMI())
	}

	// No usable client preference falls back to the server's first.
	got = SelectProcessor([]string{"cashu"}, []Processor{fake, other})
	if got.PMI() != FakePMI {
		t.Errorf("server fallback ignored: %s", got.PMI())
	}

	got = SelectProcessor(nil, []Processor{other, fake})
	if got.PMI() != "bitcoin-lightning-bolt11" {
		t.Errorf("empty preference must take server first: %s", got.PMI())
	}
}

type namedProcessor struct {
	*FakeProcessor
	pmi string
}

func (n *namedProcessor) PMI() string { return n.pmi }
