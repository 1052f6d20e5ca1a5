package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/transport"
)

// MCPClient is the slice of mcp-go's client transport the backend drives.
// Both the stdio and streamable-HTTP transports satisfy it.
type MCPClient interface {
	Start(ctx context.Context) error
	SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error)
	SendNotification(ctx context.Context, notif mcp.JSONRPCNotification) error
	SetNotificationHandler(handler func(mcp.JSONRPCNotification))
	Close() error
}

// MCPBackend adapts an mcp-go client transport to the gateway's Transport
// port: requests block on the mcp-go round-trip and the response is delivered
// back through the message sink, the way relay traffic is.
type MCPBackend struct {
	client MCPClient
	log    *slog.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	onMessage func(*protocol.Message)
	onError   func(error)
	onClose   func()
}

// NewMCPBackend wraps an mcp-go client transport.
func NewMCPBackend(client MCPClient, log *slog.Logger) *MCPBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MCPBackend{client: client, log: log.With("component", "mcp-backend")}
}

// SetOnMessage implements transport.Transport.
func (b *MCPBackend) SetOnMessage(fn func(*protocol.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = fn
}

// SetOnError implements transport.Transport.
func (b *MCPBackend) SetOnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// SetOnClose implements transport.Transport.
func (b *MCPBackend) SetOnClose(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClose = fn
}

// Start implements transport.Transport.
func (b *MCPBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	b.client.SetNotificationHandler(b.handleNotification)
	return b.client.Start(ctx)
}

// Send implements transport.Transport. Requests run the full mcp-go
// round-trip; the response comes back on the message sink.
func (b *MCPBackend) Send(ctx context.Context, msg *protocol.Message) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return transport.ErrNotStarted
	}
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	b.mu.Unlock()

	switch {
	case msg.IsRequest():
		return b.sendRequest(ctx, msg)
	case msg.IsNotification():
		return b.sendNotification(ctx, msg)
	default:
		return fmt.Errorf("mcp backend cannot accept responses (id %s)", msg.ID.Key())
	}
}

// Close implements transport.Transport.
func (b *MCPBackend) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return transport.ErrNotStarted
	}
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	onClose := b.onClose
	b.mu.Unlock()

	err := b.client.Close()
	if onClose != nil {
		onClose()
	}
	return err
}

func (b *MCPBackend) sendRequest(ctx context.Context, msg *protocol.Message) error {
	req := mcptransport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(msg.ID.Value()),
		Method:  msg.Method,
	}
	if len(msg.Params) > 0 {
		req.Params = json.RawMessage(msg.Params)
	}

	resp, err := b.client.SendRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("mcp request %s: %w", msg.Method, err)
	}

	out := &protocol.Message{JSONRPC: "2.0", ID: msg.ID}
	if resp.Error != nil {
		detail := &protocol.ErrorDetail{Code: resp.Error.Code, Message: resp.Error.Message}
		if resp.Error.Data != nil {
			if raw, merr := json.Marshal(resp.Error.Data); merr == nil {
				detail.Data = raw
			}
		}
		out.Error = detail
	} else {
		out.Result = resp.Result
	}
	b.deliver(out)
	return nil
}

func (b *MCPBackend) sendNotification(ctx context.Context, msg *protocol.Message) error {
	var fields map[string]any
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &fields); err != nil {
			return fmt.Errorf("decode notification params: %w", err)
		}
	}
	notif := mcp.JSONRPCNotification{
		JSONRPC: "2.0",
		Notification: mcp.Notification{
			Method: msg.Method,
			Params: mcp.NotificationParams{AdditionalFields: fields},
		},
	}
	if err := b.client.SendNotification(ctx, notif); err != nil {
		return fmt.Errorf("mcp notification %s: %w", msg.Method, err)
	}
	return nil
}

// handleNotification converts server-initiated mcp-go notifications back into
// wire messages.
func (b *MCPBackend) handleNotification(notif mcp.JSONRPCNotification) {
	raw, err := json.Marshal(notif)
	if err != nil {
		b.emitError(fmt.Errorf("encode mcp notification: %w", err))
		return
	}
	msg, err := protocol.ParseMessage(raw, 0)
	if err != nil {
		b.emitError(fmt.Errorf("convert mcp notification: %w", err))
		return
	}
	b.deliver(msg)
}

func (b *MCPBackend) deliver(msg *protocol.Message) {
	b.mu.Lock()
	onMessage := b.onMessage
	b.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
}

func (b *MCPBackend) emitError(err error) {
	b.mu.Lock()
	onError := b.onError
	b.mu.Unlock()
	b.log.Error("mcp backend error", "err", err)
	if onError != nil {
		onError(err)
	}
}

var _ transport.Transport = (*MCPBackend)(nil)
