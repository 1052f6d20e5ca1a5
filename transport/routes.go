package transport

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextvm/ctxvm-go/protocol"
)

// EventRoute records where a forwarded request came from so the response can
// travel back: the client, the client's original JSON-RPC id, and the
// progress token if the request carried one. Keyed by the outer request
// event id.
type EventRoute struct {
	ClientPubkey  string
	OriginalID    protocol.RequestID
	ProgressToken string
}

const defaultRouteCapacity = 1000

// routeStore maps request event ids to routes, with a progress-token index.
// Pop claims a route atomically so concurrent double-sends for the same
// response publish at most once.
type routeStore struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *EventRoute]
	byToken   map[string]string
	log       *slog.Logger
	consuming bool
}

func newRouteStore(capacity int, log *slog.Logger) *routeStore {
	if capacity <= 0 {
		capacity = defaultRouteCapacity
	}
	s := &routeStore{byToken: make(map[string]string), log: log}
	s.entries, _ = lru.NewWithEvict[string, *EventRoute](capacity, func(eventID string, r *EventRoute) {
		if r.ProgressToken != "" {
			delete(s.byToken, r.ProgressToken)
		}
		if !s.consuming {
			s.log.Warn("request route evicted before response", "event", eventID, "client", r.ClientPubkey)
		}
	})
	return s
}

func (s *routeStore) Register(eventID string, r *EventRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(eventID, r)
	if r.ProgressToken != "" {
		s.byToken[r.ProgressToken] = eventID
	}
}

// Pop claims and removes the route for an event id. The second return is
// false if the route was never registered or was already claimed.
func (s *routeStore) Pop(eventID string) (*EventRoute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries.Peek(eventID)
	if !ok {
		return nil, false
	}
	s.consuming = true
	s.entries.Remove(eventID)
	s.consuming = false
	return r, true
}

// Peek returns a route without claiming it, for progress-notification
// targeting.
func (s *routeStore) Peek(eventID string) (*EventRoute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Peek(eventID)
}

// ByToken resolves a progress token to its request event id.
func (s *routeStore) ByToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	return id, ok
}

// RemoveForClient drops every route belonging to a client, for session
// teardown.
func (s *routeStore) RemoveForClient(clientPubkey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range s.entries.Keys() {
		r, ok := s.entries.Peek(key)
		if !ok || r.ClientPubkey != clientPubkey {
			continue
		}
		s.consuming = true
		s.entries.Remove(key)
		s.consuming = false
		removed++
	}
	return removed
}

func (s *routeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

func (s *routeStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consuming = true
	s.entries.Purge()
	s.consuming = false
	s.byToken = make(map[string]string)
}
