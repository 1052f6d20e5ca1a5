package gateway

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

// fakeBackend is an in-process MCP transport that answers requests through a
// handler function.
type fakeBackend struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	terminated bool
	onMessage  func(*protocol.Message)
	sent       []*protocol.Message
	reply      func(*protocol.Message) *protocol.Message
}

func newFakeBackend(reply func(*protocol.Message) *protocol.Message) *fakeBackend {
	return &fakeBackend{reply: reply}
}

func echoReply(msg *protocol.Message) *protocol.Message {
	if !msg.IsRequest() {
		return nil
	}
	resp, _ := protocol.NewResultResponse(*msg.ID, map[string]any{"echo": msg.Method})
	return resp
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBackend) Send(_ context.Context, msg *protocol.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	onMessage := f.onMessage
	f.mu.Unlock()
	if f.reply != nil {
		if resp := f.reply(msg); resp != nil && onMessage != nil {
			onMessage(resp)
		}
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) TerminateSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeBackend) SetOnMessage(fn func(*protocol.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *fakeBackend) SetOnError(func(error)) {}
func (f *fakeBackend) SetOnClose(func())      {}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeBackend) state() (closed, terminated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.terminated
}

func newClient(t *testing.T, mem *relaytest.MemoryRelay, serverPubkey string) *transport.ClientTransport {
	t.Helper()
	sig, err := signer.GeneratePrivateKeySigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	cli := transport.NewClientTransport(sig, mem, serverPubkey,
		transport.WithClientEncryption(transport.EncryptionDisabled))
	if err := cli.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestGateway_SingleBackendRoundTrip(t *testing.T) {
	mem := relaytest.NewMemoryRelay()
	sig, _ := signer.GeneratePrivateKeySigner()
	srv := transport.NewServerTransport(sig, mem)
	backend := newFakeBackend(echoReply)

	gw, err := New(srv, WithBackend(backend))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Stop()

	serverPubkey, _ := sig.GetPublicKey(context.Background())
	cli := newClient(t, mem, serverPubkey)

	got := make(chan *protocol.Message, 1)
	cli.SetOnMessage(func(msg *protocol.Message) { got <- msg })

	req, _ := protocol.NewRequest(protocol.IntID(1), protocol.MethodToolsList, nil)
	if err := cli.Send(context.Background(), req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case resp := <-got:
		var result struct {
			Echo string `json:"echo"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Echo != protocol.MethodToolsList {
			t.Errorf("unexpected result: %s", resp.Result)
		}
		if !resp.ID.Equal(protocol.IntID(1)) {
			t.Errorf("original id not restored: %s", resp.ID.Key())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response through the gateway")
	}
}

func TestGateway_FactoryCreatesBackendPerClient(t *testing.T) {
	mem := relaytest.NewMemoryRelay()
	sig, _ := signer.GeneratePrivateKeySigner()
	srv := transport.NewServerTransport(sig, mem)

	var mu sync.Mutex
	created := map[string]*fakeBackend{}
	gw, err := New(srv, WithBackendFactory(func(_ context.Context, pk string) (transport.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		b := newFakeBackend(echoReply)
		created[pk] = b
		return b, nil
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Stop()

	serverPubkey, _ := sig.GetPublicKey(context.Background())
	clients := []*transport.ClientTransport{
		newClient(t, mem, serverPubkey),
		newClient(t, mem, serverPubkey),
	}
	for i, cli := range clients {
		got := make(chan *protocol.Message, 1)
		cli.SetOnMessage(func(msg *protocol.Message) { got <- msg })
		req, _ := protocol.NewRequest(protocol.IntID(int64(i)), protocol.MethodToolsList, nil)
		if err := cli.Send(context.Background(), req); err != nil {
			t.Fatalf("client %d send: %v", i, err)
		}
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("client %d got no response", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(created) != 2 {
		t.Errorf("expected 2 backends, got %d", len(created))
	}
}

func TestGateway_FactoryReusesBackend(t *testing.T) {
	mem := relaytest.NewMemoryRelay()
	sig, _ := signer.GeneratePrivateKeySigner()
	srv := transport.NewServerTransport(sig, mem)

	var mu sync.Mutex
	calls := 0
	backend := newFakeBackend(echoReply)
	gw, err := New(srv, WithBackendFactory(func(context.Context, string) (transport.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return backend, nil
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Stop()

	serverPubkey, _ := sig.GetPublicKey(context.Background())
	cli := newClient(t, mem, serverPubkey)
	got := make(chan *protocol.Message, 2)
	cli.SetOnMessage(func(msg *protocol.Message) { got <- msg })

	for i := 0; i < 2; i++ {
		req, _ := protocol.NewRequest(protocol.IntID(int64(i)), protocol.MethodToolsList, nil)
		if err := cli.Send(context.Background(), req); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("request %d got no response", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("factory called %d times for one client", calls)
	}
}

func TestGateway_ContextlessMessagesStayLocal(t *testing.T) {
	srvSig, _ := signer.GeneratePrivateKeySigner()
	srv := transport.NewServerTransport(srvSig, relaytest.NewMemoryRelay())

	factoryCalled := false
	gw, err := New(srv, WithBackendFactory(func(context.Context, string) (transport.Transport, error) {
		factoryCalled = true
		return newFakeBackend(nil), nil
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req, _ := protocol.NewRequest(protocol.StringID(protocol.AnnouncementRequestID), protocol.MethodInitialize, nil)
	gw.handleServerMessage(req, transport.MessageContext{})

	if factoryCalled {
		t.Error("announcement traffic reached the backend factory")
	}
}

func TestGateway_EvictionClosesBackend(t *testing.T) {
	mem := relaytest.NewMemoryRelay()
	sig, _ := signer.GeneratePrivateKeySigner()
	srv := transport.NewServerTransport(sig, mem)

	var mu sync.Mutex
	var backends []*fakeBackend
	gw, err := New(srv,
		WithBackendCapacity(1),
		WithBackendFactory(func(context.Context, string) (transport.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			b := newFakeBackend(echoReply)
			backends = append(backends, b)
			return b, nil
		}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer gw.Stop()

	serverPubkey, _ := sig.GetPublicKey(context.Background())
	for i := 0; i < 2; i++ {
		cli := newClient(t, mem, serverPubkey)
		got := make(chan *protocol.Message, 1)
		cli.SetOnMessage(func(msg *protocol.Message) { got <- msg })
		req, _ := protocol.NewRequest(protocol.IntID(int64(i)), protocol.MethodToolsList, nil)
		if err := cli.Send(context.Background(), req); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("client %d got no response", i)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(backends)
		var closed, terminated bool
		if n == 2 {
			closed, terminated = backends[0].state()
		}
		mu.Unlock()
		if n == 2 && closed && terminated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("evicted backend was not terminated and closed")
}
