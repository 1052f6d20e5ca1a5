package payments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/relay/relaytest"
	"github.com/contextvm/ctxvm-go/signer"
	"github.com/contextvm/ctxvm-go/transport"
)

// fakeClientPort lets wrapper tests feed inbound traffic directly without a
// relay in the loop.
type fakeClientPort struct {
	mu      sync.Mutex
	pmis    []string
	sent    []*protocol.Message
	pending map[string]*transport.PendingRequest
}

func newFakeClientPort() *fakeClientPort {
	return &fakeClientPort{pending: make(map[string]*transport.PendingRequest)}
}

func (f *fakeClientPort) Start(context.Context) error { return nil }
func (f *fakeClientPort) Close() error                { return nil }

func (f *fakeClientPort) Send(_ context.Context, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeClientPort) SetOnMessage(func(*protocol.Message))                                  {}
func (f *fakeClientPort) SetOnMessageWithContext(func(*protocol.Message, transport.MessageContext)) {}
func (f *fakeClientPort) SetOnError(func(error))                                                {}
func (f *fakeClientPort) SetOnClose(func())                                                     {}

func (f *fakeClientPort) SetClientPMIs(pmis []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pmis = pmis
}

func (f *fakeClientPort) addPending(eventID string, pending *transport.PendingRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[eventID] = pending
}

func (f *fakeClientPort) Pending(eventID string) (*transport.PendingRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[eventID]
	return p, ok
}

func (f *fakeClientPort) TakePending(eventID string) (*transport.PendingRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[eventID]
	if ok {
		delete(f.pending, eventID)
	}
	return p, ok
}

// recorder collects everything the wrapper delivers to the application.
type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) record(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Message(nil), r.msgs...)
}

func (r *recorder) firstError() *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Error != nil {
			return m
		}
	}
	return nil
}

func (r *recorder) countMethod(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Method == method {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func requiredNotification(t *testing.T, params protocol.PaymentRequiredParams) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewNotification(protocol.NotificationPaymentRequired, params)
	if err != nil {
		t.Fatalf("build payment_required: %v", err)
	}
	return msg
}

func newWrapperUnderTest(t *testing.T, port *fakeClientPort, rec *recorder, opts ...WrapperOption) *ClientWrapper {
	t.Helper()
	w := WithClientPayments(port, opts...)
	w.SetOnMessage(rec.record)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start wrapper: %v", err)
	}
	return w
}

func TestWrapper_PaysRequiredInvoice(t *testing.T) {
	proc := NewFakeProcessor()
	proc.AutoSettle = false
	handler := &FakeHandler{Processor: proc}
	port := newFakeClientPort()
	rec := &recorder{}
	w := newWrapperUnderTest(t, port, rec, WithHandlers(handler))

	port.addPending("ev-1", &transport.PendingRequest{
		OriginalID: protocol.StringID("1"),
		Context:    transport.RequestContext{Method: protocol.MethodToolsCall, Capability: "paid"},
	})

	invoice, err := proc.CreatePaymentRequired(context.Background(), CreateRequest{Amount: 10})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	w.intercept(requiredNotification(t, protocol.PaymentRequiredParams{
		Amount: 10, PayReq: invoice.PayReq, PMI: FakePMI, TTL: invoice.TTL,
	}), transport.MessageContext{CorrelatedEventID: "ev-1"})

	waitFor(t, func() bool { return len(handler.Handled()) == 1 }, "handler to pay")
	handled := handler.Handled()[0]
	if handled.PayReq != invoice.PayReq || handled.Amount != 10 || handled.RequestEventID != "ev-1" {
		t.Errorf("unexpected handle request: %+v", handled)
	}
	if rec.countMethod(protocol.NotificationPaymentRequired) != 1 {
		t.Error("payment_required was not delivered to the application")
	}
	if port.pmis == nil || port.pmis[0] != FakePMI {
		t.Errorf("handler PMIs not announced: %v", port.pmis)
	}
}

func TestWrapper_DuplicateRequiredPaysOnce(t *testing.T) {
	proc := NewFakeProcessor()
	proc.AutoSettle = false
	handler := &FakeHandler{Processor: proc}
	port := newFakeClientPort()
	rec := &recorder{}
	w := newWrapperUnderTest(t, port, rec, WithHandlers(handler))

	invoice, err := proc.CreatePaymentRequired(context.Background(), CreateRequest{Amount: 10})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	note := requiredNotification(t, protocol.PaymentRequiredParams{
		Amount: 10, PayReq: invoice.PayReq, PMI: FakePMI,
	})
	mctx := transport.MessageContext{CorrelatedEventID: "ev-1"}
	w.intercept(note, mctx)
	w.intercept(note, mctx)

	waitFor(t, func() bool { return len(handler.Handled()) >= 1 }, "handler to pay")
	time.Sleep(50 * time.Millisecond)
	if got := len(handler.Handled()); got != 1 {
		t.Errorf("invoice paid %d times", got)
	}
	if got := rec.countMethod(protocol.NotificationPaymentRequired); got != 2 {
		t.Errorf("expected both deliveries to reach the application, got %d", got)
	}
}

func TestWrapper_DeclineSynthesizesError(t *testing.T) {
	cases := []struct {
		name    string
		opts    []WrapperOption
		wantMsg string
	}{
		{
			name:    "handler refuses",
			opts:    []WrapperOption{WithHandlers(&FakeHandler{Reject: true})},
			wantMsg: protocol.MsgDeclinedByClientHandler,
		},
		{
			name: "policy refuses",
			opts: []WrapperOption{
				WithHandlers(&FakeHandler{}),
				WithPolicy(func(req HandleRequest) bool { return req.Amount < 5 }),
			},
			wantMsg: protocol.MsgDeclinedByClientPolicy,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port := newFakeClientPort()
			rec := &recorder{}
			w := newWrapperUnderTest(t, port, rec, tc.opts...)

			port.addPending("ev-1", &transport.PendingRequest{
				OriginalID: protocol.StringID("7"),
				Context:    transport.RequestContext{Method: protocol.MethodToolsCall, Capability: "paid"},
			})
			w.intercept(requiredNotification(t, protocol.PaymentRequiredParams{
				Amount: 10, PayReq: "inv-1", PMI: FakePMI,
			}), transport.MessageContext{CorrelatedEventID: "ev-1"})

			resp := rec.firstError()
			if resp == nil {
				t.Fatal("no error response synthesized")
			}
			if resp.Error.Message != tc.wantMsg {
				t.Errorf("message = %q, want %q", resp.Error.Message, tc.wantMsg)
			}
			if !resp.ID.Equal(protocol.StringID("7")) {
				t.Errorf("error response not on the original id: %s", resp.ID.Key())
			}
			var data map[string]any
			if err := json.Unmarshal(resp.Error.Data, &data); err != nil {
				t.Fatalf("decode error data: %v", err)
			}
			if data["pmi"] != FakePMI || data["method"] != protocol.MethodToolsCall || data["capability"] != "paid" {
				t.Errorf("unexpected error data: %v", data)
			}
			if _, ok := port.Pending("ev-1"); ok {
				t.Error("pending request not consumed")
			}
			if rec.countMethod(protocol.NotificationPaymentRequired) != 1 {
				t.Error("notification withheld from the application")
			}
			// The application sees payment_required before the synthesized
			// error response.
			delivered := rec.snapshot()
			if len(delivered) != 2 {
				t.Fatalf("deliveries = %d, want notification then error response", len(delivered))
			}
			if delivered[0].Method != protocol.NotificationPaymentRequired {
				t.Errorf("first delivery = %q, want %q", delivered[0].Method, protocol.NotificationPaymentRequired)
			}
			if delivered[1].Error == nil {
				t.Error("second delivery is not the synthesized error response")
			}
		})
	}
}

func TestWrapper_RejectedBecomesErrorResponse(t *testing.T) {
	port := newFakeClientPort()
	rec := &recorder{}
	w := newWrapperUnderTest(t, port, rec)

	port.addPending("ev-1", &transport.PendingRequest{OriginalID: protocol.StringID("9")})
	rejected, err := protocol.NewNotification(protocol.NotificationPaymentRejected, protocol.PaymentRejectedParams{
		PMI: FakePMI, Message: "limit exceeded",
	})
	if err != nil {
		t.Fatalf("build payment_rejected: %v", err)
	}
	w.intercept(rejected, transport.MessageContext{CorrelatedEventID: "ev-1"})

	resp := rec.firstError()
	if resp == nil {
		t.Fatal("no error response synthesized")
	}
	if want := protocol.MsgPaymentRejected + ": limit exceeded"; resp.Error.Message != want {
		t.Errorf("message = %q, want %q", resp.Error.Message, want)
	}
	if rec.countMethod(protocol.NotificationPaymentRejected) != 0 {
		t.Error("rejection notification leaked alongside the synthesized response")
	}

	// Without a pending request the notification passes through untouched.
	w.intercept(rejected, transport.MessageContext{CorrelatedEventID: "ev-2"})
	if rec.countMethod(protocol.NotificationPaymentRejected) != 1 {
		t.Error("uncorrelated rejection was not delivered")
	}
}

// slowHandler pays after a delay so synthetic progress has time to tick.
type slowHandler struct {
	proc  *FakeProcessor
	delay time.Duration
}

func (s *slowHandler) PMI() string { return FakePMI }

func (s *slowHandler) Handle(_ context.Context, req HandleRequest) error {
	time.Sleep(s.delay)
	s.proc.MarkPaid(req.PayReq)
	return nil
}

func TestWrapper_SyntheticProgressWhilePaying(t *testing.T) {
	proc := NewFakeProcessor()
	proc.AutoSettle = false
	port := newFakeClientPort()
	rec := &recorder{}
	w := newWrapperUnderTest(t, port, rec,
		WithHandlers(&slowHandler{proc: proc, delay: 100 * time.Millisecond}),
		WithProgressInterval(10*time.Millisecond))

	port.addPending("ev-1", &transport.PendingRequest{
		OriginalID:    protocol.StringID("3"),
		ProgressToken: "tok-1",
	})
	invoice, err := proc.CreatePaymentRequired(context.Background(), CreateRequest{Amount: 10})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	w.intercept(requiredNotification(t, protocol.PaymentRequiredParams{
		Amount: 10, PayReq: invoice.PayReq, PMI: FakePMI, TTL: invoice.TTL,
	}), transport.MessageContext{CorrelatedEventID: "ev-1"})

	waitFor(t, func() bool { return rec.countMethod(protocol.NotificationProgress) >= 3 }, "progress ticks")

	var params protocol.ProgressParams
	for _, m := range rec.snapshot() {
		if m.Method == protocol.NotificationProgress {
			if err := json.Unmarshal(m.Params, &params); err != nil {
				t.Fatalf("decode progress params: %v", err)
			}
			break
		}
	}
	if params.ProgressToken != "tok-1" {
		t.Errorf("progress token = %v, want tok-1", params.ProgressToken)
	}

	// A response for the request stops the ticker.
	resp := protocol.NewErrorResponse(protocol.StringID("3"), protocol.CodeInternalError, "done", nil)
	w.intercept(resp, transport.MessageContext{CorrelatedEventID: "ev-1"})
	count := rec.countMethod(protocol.NotificationProgress)
	time.Sleep(50 * time.Millisecond)
	if after := rec.countMethod(protocol.NotificationProgress); after > count+1 {
		t.Errorf("progress kept ticking after the response: %d -> %d", count, after)
	}
}

func TestWrapper_NoHandlerPassesThrough(t *testing.T) {
	port := newFakeClientPort()
	rec := &recorder{}
	w := newWrapperUnderTest(t, port, rec, WithHandlers(&FakeHandler{}))

	w.intercept(requiredNotification(t, protocol.PaymentRequiredParams{
		Amount: 10, PayReq: "lnbc1...", PMI: "bitcoin-lightning-bolt11",
	}), transport.MessageContext{CorrelatedEventID: "ev-1"})

	if rec.countMethod(protocol.NotificationPaymentRequired) != 1 {
		t.Error("notification for an unknown method was not delivered")
	}
	if rec.firstError() != nil {
		t.Error("unexpected synthesized error")
	}
}

// The full flow over an in-memory relay: priced tools/call, invoice issued,
// client pays, server verifies and answers.
func TestPayments_EndToEndOverRelay(t *testing.T) {
	mem := relaytest.NewMemoryRelay()
	serverSigner, err := signer.GeneratePrivateKeySigner()
	if err != nil {
		t.Fatalf("generate server signer: %v", err)
	}
	clientSigner, err := signer.GeneratePrivateKeySigner()
	if err != nil {
		t.Fatalf("generate client signer: %v", err)
	}

	srv := transport.NewServerTransport(serverSigner, mem)
	proc := NewFakeProcessor()
	proc.AutoSettle = false
	mw := NewMiddleware(srv,
		WithProcessors(proc),
		WithPricedCapabilities(PricedCapability{Method: protocol.MethodToolsCall, Name: "premium", Amount: 21}))

	srv.SetOnMessageWithContext(mw.Wrap(func(msg *protocol.Message, mctx transport.MessageContext) {
		if !msg.IsRequest() {
			return
		}
		resp, err := protocol.NewResultResponse(*msg.ID, map[string]any{"content": "done"})
		if err != nil {
			t.Errorf("build response: %v", err)
			return
		}
		if err := srv.Send(context.Background(), resp); err != nil {
			t.Errorf("send response: %v", err)
		}
	}))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	serverPubkey, err := serverSigner.GetPublicKey(context.Background())
	if err != nil {
		t.Fatalf("server pubkey: %v", err)
	}
	inner := transport.NewClientTransport(clientSigner, mem, serverPubkey,
		transport.WithClientEncryption(transport.EncryptionDisabled))
	handler := &FakeHandler{Processor: proc}
	cli := WithClientPayments(inner, WithHandlers(handler))

	rec := &recorder{}
	cli.SetOnMessage(rec.record)
	if err := cli.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	req, err := protocol.NewRequest(protocol.IntID(5), protocol.MethodToolsCall,
		map[string]any{"name": "premium"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := cli.Send(context.Background(), req); err != nil {
		t.Fatalf("send request: %v", err)
	}

	waitFor(t, func() bool {
		for _, m := range rec.snapshot() {
			if m.IsResponse() && m.Error == nil {
				return true
			}
		}
		return false
	}, "final response")

	var resp *protocol.Message
	for _, m := range rec.snapshot() {
		if m.IsResponse() {
			resp = m
		}
	}
	if !resp.ID.Equal(protocol.IntID(5)) {
		t.Errorf("response id = %s, want 5", resp.ID.Key())
	}
	if rec.countMethod(protocol.NotificationPaymentRequired) != 1 {
		t.Error("payment_required never reached the client")
	}
	if rec.countMethod(protocol.NotificationPaymentAccepted) != 1 {
		t.Error("payment_accepted never reached the client")
	}
	if len(handler.Handled()) != 1 {
		t.Errorf("handler paid %d times", len(handler.Handled()))
	}
	if proc.Creates() != 1 || proc.Verifies() != 1 {
		t.Errorf("creates=%d verifies=%d, want 1/1", proc.Creates(), proc.Verifies())
	}
}
