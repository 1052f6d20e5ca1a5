package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/contextvm/ctxvm-go/protocol"
)

const defaultAnnounceTimeout = 10 * time.Second

// announcementKinds lists every event kind a public server publishes about
// itself, in handshake order.
var announcementKinds = []int{
	protocol.KindServerAnnouncement,
	protocol.KindToolsList,
	protocol.KindResourcesList,
	protocol.KindResourceTemplatesList,
	protocol.KindPromptsList,
}

// capabilityListMethods drives the list half of the handshake.
var capabilityListMethods = []string{
	protocol.MethodToolsList,
	protocol.MethodResourcesList,
	protocol.MethodResourceTemplatesList,
	protocol.MethodPromptsList,
}

// announcer runs the public-server announcement handshake: it plays an MCP
// client against the local server through the transport's own message sink
// and republishes the results as announcement events.
type announcer struct {
	s                *ServerTransport
	handshakeTimeout time.Duration

	mu          sync.Mutex
	initialized bool
	initDone    chan struct{}
}

func newAnnouncer(s *ServerTransport) *announcer {
	return &announcer{
		s:                s,
		handshakeTimeout: defaultAnnounceTimeout,
		initDone:         make(chan struct{}),
	}
}

// run performs the handshake: initialize, then the capability lists. The
// initialize wait is bounded; list announcements proceed on timeout so a slow
// server still gets its capability events published.
func (a *announcer) run(ctx context.Context) {
	initReq, err := protocol.NewRequest(
		protocol.StringID(protocol.AnnouncementRequestID),
		protocol.MethodInitialize,
		map[string]any{
			"protocolVersion": protocol.ProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "announcement",
				"version": a.s.info.Version,
			},
		})
	if err != nil {
		a.s.emitError(fmt.Errorf("build announcement initialize: %w", err))
		return
	}
	a.s.deliver(initReq, MessageContext{})

	select {
	case <-a.initDone:
	case <-time.After(a.handshakeTimeout):
		a.s.log.Warn("announcement initialize timed out, listing anyway")
	case <-ctx.Done():
		return
	}

	for _, method := range capabilityListMethods {
		req, err := protocol.NewRequest(protocol.StringID(protocol.AnnouncementRequestID), method, nil)
		if err != nil {
			a.s.emitError(err)
			continue
		}
		a.s.deliver(req, MessageContext{})
	}
}

// handleResponse intercepts responses carrying the announcement id.
func (a *announcer) handleResponse(ctx context.Context, msg *protocol.Message) {
	if msg.Error != nil {
		a.s.log.Warn("announcement request failed", "code", msg.Error.Code, "message", msg.Error.Message)
		return
	}

	if protocol.IsInitializeResult(msg.Result) {
		a.mu.Lock()
		first := !a.initialized
		a.initialized = true
		a.mu.Unlock()
		if first {
			close(a.initDone)
			// Complete the handshake on the server's side.
			if note, err := protocol.NewNotification(protocol.NotificationInitialized, nil); err == nil {
				a.s.deliver(note, MessageContext{})
			}
			a.publish(ctx, protocol.KindServerAnnouncement, msg)
		}
		return
	}

	if kind := protocol.CapabilityListKind(msg.Result); kind != 0 {
		a.publish(ctx, kind, msg)
		return
	}
	a.s.log.Warn("announcement response matched no capability schema")
}

// publish emits one announcement event: the result payload as content,
// profile and price tags attached.
func (a *announcer) publish(ctx context.Context, kind int, msg *protocol.Message) {
	ev := &nostr.Event{
		PubKey:    a.s.Pubkey(),
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      append(a.s.profileTags(), a.s.priceTags(kind)...),
		Content:   string(msg.Result),
	}
	opCtx, cancel := context.WithTimeout(ctx, a.s.opTimeout)
	defer cancel()
	if err := a.s.signer.SignEvent(opCtx, ev); err != nil {
		a.s.emitError(fmt.Errorf("sign announcement kind %d: %w", kind, err))
		return
	}
	if err := a.s.publishEvent(opCtx, ev); err != nil {
		a.s.emitError(fmt.Errorf("publish announcement kind %d: %w", kind, err))
		return
	}
	a.s.log.Info("published announcement", "kind", kind, "event", ev.ID)
}

// DeleteAnnouncements queries the relays for this server's announcement
// events and publishes a deletion referencing every one found. It returns the
// ids of the deleted events.
func (s *ServerTransport) DeleteAnnouncements(ctx context.Context, reason string) ([]string, error) {
	pubkey := s.Pubkey()
	if pubkey == "" {
		pk, err := s.signer.GetPublicKey(ctx)
		if err != nil {
			return nil, err
		}
		pubkey = pk
	}

	found, err := s.collectEvents(ctx, nostr.Filters{{
		Kinds:   announcementKinds,
		Authors: []string{pubkey},
	}})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}

	tags := nostr.Tags{}
	ids := make([]string, 0, len(found))
	seen := make(map[string]bool)
	for _, ev := range found {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		tags = append(tags, nostr.Tag{protocol.TagEvent, ev.ID})
		ids = append(ids, ev.ID)
	}

	del := &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      protocol.KindDeletion,
		Tags:      tags,
		Content:   reason,
	}
	if err := s.signer.SignEvent(ctx, del); err != nil {
		return nil, fmt.Errorf("sign deletion: %w", err)
	}
	if err := s.publishEvent(ctx, del); err != nil {
		return nil, err
	}
	s.log.Info("deleted announcements", "count", len(ids))
	return ids, nil
}

// collectEvents gathers stored events matching the filters until EOSE or the
// op timeout.
func (s *ServerTransport) collectEvents(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var mu sync.Mutex
	var events []*nostr.Event
	eose := make(chan struct{}, 1)

	unsub, err := s.relay.Subscribe(opCtx, filters,
		func(ev *nostr.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		func() {
			select {
			case eose <- struct{}{}:
			default:
			}
		})
	if err != nil {
		return nil, err
	}
	defer unsub()

	select {
	case <-eose:
	case <-opCtx.Done():
		return nil, opCtx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return events, nil
}
