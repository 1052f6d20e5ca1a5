// Package relaytest provides test doubles for the relay layer: an in-process
// WebSocket relay speaking the NIP-01 wire protocol, and an in-memory Handler
// for transport-level tests that need no network at all.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Server is a minimal in-process Nostr relay. It stores events in memory,
// replays them on REQ, and fans new events out to matching subscriptions.
// Silent mode accepts frames but never responds, emulating a half-open
// socket for liveness tests.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	silent       atomic.Bool
	rejectEvents atomic.Bool
	eventCount   atomic.Int64

	mu     sync.Mutex
	events []nostr.Event
	conns  map[*serverConn]struct{}
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]nostr.Filters
}

// NewServer starts a fake relay.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*serverConn]struct{}),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Close shuts the relay down.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	s.httpServer.Close()
}

// SetSilent toggles half-open emulation: frames are read but nothing is ever
// written back.
func (s *Server) SetSilent(v bool) { s.silent.Store(v) }

// SetRejectEvents makes the relay answer every EVENT with OK=false.
func (s *Server) SetRejectEvents(v bool) { s.rejectEvents.Store(v) }

// EventCount reports how many EVENT frames the relay has received.
func (s *Server) EventCount() int64 { return s.eventCount.Load() }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{ws: ws, subs: make(map[string]nostr.Filters)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *serverConn, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		return
	}
	var verb string
	if err := json.Unmarshal(frame[0], &verb); err != nil {
		return
	}

	switch verb {
	case "EVENT":
		if len(frame) < 2 {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(frame[1], &ev); err != nil {
			return
		}
		s.eventCount.Add(1)
		if s.silent.Load() {
			return
		}
		if s.rejectEvents.Load() {
			c.send("OK", ev.ID, false, "blocked: rejecting events")
			return
		}
		s.mu.Lock()
		s.events = append(s.events, ev)
		conns := make([]*serverConn, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()
		c.send("OK", ev.ID, true, "")
		for _, conn := range conns {
			conn.broadcast(&ev)
		}

	case "REQ":
		if s.silent.Load() || len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var filters nostr.Filters
		for _, raw := range frame[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return
			}
			filters = append(filters, f)
		}
		c.mu.Lock()
		c.subs[subID] = filters
		c.mu.Unlock()

		s.mu.Lock()
		stored := append([]nostr.Event(nil), s.events...)
		s.mu.Unlock()
		for i := range stored {
			if filters.Match(&stored[i]) {
				c.send("EVENT", subID, stored[i])
			}
		}
		c.send("EOSE", subID)

	case "CLOSE":
		if len(frame) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
	}
}

func (c *serverConn) broadcast(ev *nostr.Event) {
	c.mu.Lock()
	matches := make([]string, 0, len(c.subs))
	for subID, filters := range c.subs {
		if filters.Match(ev) {
			matches = append(matches, subID)
		}
	}
	c.mu.Unlock()
	for _, subID := range matches {
		c.send("EVENT", subID, *ev)
	}
}

func (c *serverConn) send(items ...any) {
	data, err := json.Marshal(items)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}
