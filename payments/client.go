package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contextvm/ctxvm-go/protocol"
	"github.com/contextvm/ctxvm-go/transport"
)

// ClientPort is the slice of the client transport the wrapper builds on.
type ClientPort interface {
	transport.ContextualTransport
	SetClientPMIs(pmis []string)
	Pending(eventID string) (*transport.PendingRequest, bool)
	TakePending(eventID string) (*transport.PendingRequest, bool)
}

const defaultProgressInterval = 5 * time.Second

// ClientWrapper decorates a client transport with CEP-8 payment handling: it
// pays payment_required invoices through its handlers, keeps correlated
// requests alive with synthetic progress while the server waits for
// settlement, and converts rejections into error responses.
type ClientWrapper struct {
	inner            ClientPort
	handlers         []Handler
	policy           Policy
	progressInterval time.Duration
	log              *slog.Logger

	mu        sync.Mutex
	started   bool
	inflight  map[string]struct{}
	progress  map[string]chan struct{}
	onMessage func(*protocol.Message)
	onMsgCtx  func(*protocol.Message, transport.MessageContext)
	onError   func(error)
	onClose   func()
}

// WrapperOption configures a ClientWrapper.
type WrapperOption func(*ClientWrapper)

// WithWrapperLogger sets the wrapper logger.
func WithWrapperLogger(log *slog.Logger) WrapperOption {
	return func(w *ClientWrapper) { w.log = log.With("component", "payments-client") }
}

// WithHandlers sets the payment handlers in preference order. Their PMIs are
// announced to servers on start.
func WithHandlers(handlers ...Handler) WrapperOption {
	return func(w *ClientWrapper) { w.handlers = handlers }
}

// WithPolicy sets a client-wide payment veto.
func WithPolicy(policy Policy) WrapperOption {
	return func(w *ClientWrapper) { w.policy = policy }
}

// WithProgressInterval sets the synthetic progress cadence. It must fire well
// inside the MCP idle timeout.
func WithProgressInterval(d time.Duration) WrapperOption {
	return func(w *ClientWrapper) { w.progressInterval = d }
}

// WithClientPayments wraps a client transport with payment handling.
func WithClientPayments(inner ClientPort, opts ...WrapperOption) *ClientWrapper {
	w := &ClientWrapper{
		inner:            inner,
		progressInterval: defaultProgressInterval,
		log:              slog.Default().With("component", "payments-client"),
		inflight:         make(map[string]struct{}),
		progress:         make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetOnMessage implements transport.Transport.
func (w *ClientWrapper) SetOnMessage(fn func(*protocol.Message)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = fn
}

// SetOnMessageWithContext implements transport.ContextualTransport.
func (w *ClientWrapper) SetOnMessageWithContext(fn func(*protocol.Message, transport.MessageContext)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMsgCtx = fn
}

// SetOnError implements transport.Transport.
func (w *ClientWrapper) SetOnError(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// SetOnClose implements transport.Transport.
func (w *ClientWrapper) SetOnClose(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

// Start implements transport.Transport. It announces the handler PMIs and
// splices the wrapper into the inbound path.
func (w *ClientWrapper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	pmis := make([]string, 0, len(w.handlers))
	for _, h := range w.handlers {
		pmis = append(pmis, h.PMI())
	}
	w.inner.SetClientPMIs(pmis)

	w.inner.SetOnMessageWithContext(w.intercept)
	w.inner.SetOnError(func(err error) { w.emitError(err) })
	w.inner.SetOnClose(func() {
		w.stopAllProgress()
		w.mu.Lock()
		onClose := w.onClose
		w.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
	return w.inner.Start(ctx)
}

// Send implements transport.Transport.
func (w *ClientWrapper) Send(ctx context.Context, msg *protocol.Message) error {
	return w.inner.Send(ctx, msg)
}

// Close implements transport.Transport.
func (w *ClientWrapper) Close() error {
	w.stopAllProgress()
	return w.inner.Close()
}

// intercept is the wrapper's inbound tap. Payment notifications trigger the
// paying machinery; everything else flows through.
func (w *ClientWrapper) intercept(msg *protocol.Message, mctx transport.MessageContext) {
	switch {
	case msg.IsResponse():
		w.stopProgress(mctx.CorrelatedEventID)
		w.deliver(msg, mctx)

	case msg.IsNotification():
		switch msg.Method {
		case protocol.NotificationPaymentRequired:
			w.handlePaymentRequired(msg, mctx)
		case protocol.NotificationPaymentAccepted:
			w.stopProgress(mctx.CorrelatedEventID)
			w.deliver(msg, mctx)
		case protocol.NotificationPaymentRejected:
			w.handlePaymentRejected(msg, mctx)
		default:
			w.deliver(msg, mctx)
		}

	default:
		w.deliver(msg, mctx)
	}
}

func (w *ClientWrapper) handlePaymentRequired(msg *protocol.Message, mctx transport.MessageContext) {
	params, err := protocol.DecodePaymentRequired(msg.Params)
	if err != nil {
		w.emitError(fmt.Errorf("payment_required: %w", err))
		w.deliver(msg, mctx)
		return
	}

	handler := w.handlerFor(params.PMI)
	if handler == nil {
		w.deliver(msg, mctx)
		return
	}

	req := HandleRequest{
		PMI:            params.PMI,
		Amount:         params.Amount,
		PayReq:         params.PayReq,
		Description:    params.Description,
		RequestEventID: mctx.CorrelatedEventID,
	}

	// Claim before any suspension point so a relay redelivery cannot start
	// a second payment for the same invoice.
	w.mu.Lock()
	if _, dup := w.inflight[params.PayReq]; dup {
		w.mu.Unlock()
		w.deliver(msg, mctx)
		return
	}
	w.inflight[params.PayReq] = struct{}{}
	w.mu.Unlock()

	if declined, reason := w.declined(handler, req); declined {
		w.mu.Lock()
		delete(w.inflight, params.PayReq)
		w.mu.Unlock()
		// The application sees the payment_required notification before the
		// synthesized error response.
		w.deliver(msg, mctx)
		w.synthesizeDecline(req, mctx, reason)
		return
	}

	w.startProgress(params, mctx)

	go func() {
		if err := handler.Handle(context.Background(), req); err != nil {
			w.emitError(fmt.Errorf("pay %s invoice: %w", params.PMI, err))
		}
	}()

	w.deliver(msg, mctx)
}

// declined consults the handler veto and the global policy.
func (w *ClientWrapper) declined(handler Handler, req HandleRequest) (bool, string) {
	if filter, ok := handler.(HandlerFilter); ok && !filter.CanHandle(req) {
		return true, protocol.MsgDeclinedByClientHandler
	}
	if w.policy != nil && !w.policy(req) {
		return true, protocol.MsgDeclinedByClientPolicy
	}
	return false, ""
}

// synthesizeDecline resolves the original request with an error so the MCP
// layer is not left waiting for a response the server will never send.
func (w *ClientWrapper) synthesizeDecline(req HandleRequest, mctx transport.MessageContext, reason string) {
	if mctx.CorrelatedEventID == "" {
		return
	}
	pending, ok := w.inner.TakePending(mctx.CorrelatedEventID)
	if !ok {
		return
	}
	w.stopProgress(mctx.CorrelatedEventID)

	data := map[string]any{
		"pmi":    req.PMI,
		"amount": req.Amount,
		"method": pending.Context.Method,
	}
	if pending.Context.Capability != "" {
		data["capability"] = pending.Context.Capability
	}
	resp := protocol.NewErrorResponse(pending.OriginalID, protocol.CodeInternalError, reason, data)
	w.deliver(resp, transport.MessageContext{CorrelatedEventID: mctx.CorrelatedEventID})
}

func (w *ClientWrapper) handlePaymentRejected(msg *protocol.Message, mctx transport.MessageContext) {
	if mctx.CorrelatedEventID == "" {
		w.deliver(msg, mctx)
		return
	}
	pending, ok := w.inner.TakePending(mctx.CorrelatedEventID)
	if !ok {
		w.deliver(msg, mctx)
		return
	}
	w.stopProgress(mctx.CorrelatedEventID)

	message := protocol.MsgPaymentRejected
	if params, err := protocol.DecodePaymentRejected(msg.Params); err == nil && params.Message != "" {
		message = fmt.Sprintf("%s: %s", protocol.MsgPaymentRejected, params.Message)
	}
	resp := protocol.NewErrorResponse(pending.OriginalID, protocol.CodeInternalError, message, nil)
	w.deliver(resp, transport.MessageContext{CorrelatedEventID: mctx.CorrelatedEventID})
}

// startProgress emits synthetic progress for a correlated request while its
// payment settles, resetting the server-side MCP idle timer.
func (w *ClientWrapper) startProgress(params *protocol.PaymentRequiredParams, mctx transport.MessageContext) {
	if params.TTL <= 0 || mctx.CorrelatedEventID == "" {
		return
	}
	pending, ok := w.inner.Pending(mctx.CorrelatedEventID)
	if !ok || pending.ProgressToken == "" {
		return
	}

	w.mu.Lock()
	if _, running := w.progress[mctx.CorrelatedEventID]; running {
		w.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	w.progress[mctx.CorrelatedEventID] = stop
	w.mu.Unlock()

	token := pending.ProgressToken
	w.emitProgress(token, 1)

	go func() {
		ticker := time.NewTicker(w.progressInterval)
		defer ticker.Stop()
		step := float64(2)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				w.emitProgress(token, step)
				step++
			}
		}
	}()
}

func (w *ClientWrapper) emitProgress(token string, step float64) {
	note, err := protocol.NewNotification(protocol.NotificationProgress, protocol.ProgressParams{
		ProgressToken: token,
		Progress:      step,
	})
	if err != nil {
		return
	}
	w.deliver(note, transport.MessageContext{})
}

func (w *ClientWrapper) stopProgress(requestEventID string) {
	if requestEventID == "" {
		return
	}
	w.mu.Lock()
	stop, ok := w.progress[requestEventID]
	if ok {
		delete(w.progress, requestEventID)
	}
	w.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (w *ClientWrapper) stopAllProgress() {
	w.mu.Lock()
	stops := w.progress
	w.progress = make(map[string]chan struct{})
	w.mu.Unlock()
	for _, stop := range stops {
		close(stop)
	}
}

func (w *ClientWrapper) handlerFor(pmi string) Handler {
	for _, h := range w.handlers {
		if h.PMI() == pmi {
			return h
		}
	}
	return nil
}

func (w *ClientWrapper) deliver(msg *protocol.Message, mctx transport.MessageContext) {
	w.mu.Lock()
	onMessage := w.onMessage
	onMsgCtx := w.onMsgCtx
	w.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
	if onMsgCtx != nil {
		onMsgCtx(msg, mctx)
	}
}

func (w *ClientWrapper) emitError(err error) {
	w.mu.Lock()
	onError := w.onError
	w.mu.Unlock()
	w.log.Error("payment wrapper error", "err", err)
	if onError != nil {
		onError(err)
	}
}

var _ transport.ContextualTransport = (*ClientWrapper)(nil)
