package transport

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextvm/ctxvm-go/protocol"
)

// RequestContext describes what a pending request was asking for. The client
// payments wrapper uses it to synthesize decline responses.
type RequestContext struct {
	Method     string
	Capability string
}

// PendingRequest is the client-side correlation record for one in-flight
// request, keyed by the inner Nostr event id that carried it.
type PendingRequest struct {
	OriginalID    protocol.RequestID
	IsInitialize  bool
	ProgressToken string
	Context       RequestContext
}

const defaultCorrelationCapacity = 1000

// correlationStore maps outer event ids to pending requests, with a
// secondary index by progress token. Bounded LRU; eviction logs and drops
// the waiter.
type correlationStore struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *PendingRequest]
	byToken   map[string]string
	log       *slog.Logger
	consuming bool
}

func newCorrelationStore(capacity int, log *slog.Logger) *correlationStore {
	if capacity <= 0 {
		capacity = defaultCorrelationCapacity
	}
	s := &correlationStore{byToken: make(map[string]string), log: log}
	// Error only fires for capacity <= 0, which is handled above. The evict
	// callback runs under s.mu: the cache is only mutated with the lock held.
	s.entries, _ = lru.NewWithEvict[string, *PendingRequest](capacity, func(eventID string, p *PendingRequest) {
		if p.ProgressToken != "" {
			delete(s.byToken, p.ProgressToken)
		}
		if !s.consuming {
			s.log.Warn("pending request evicted, response will be dropped",
				"event", eventID, "method", p.Context.Method)
		}
	})
	return s
}

func (s *correlationStore) Register(eventID string, p *PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(eventID, p)
	if p.ProgressToken != "" {
		s.byToken[p.ProgressToken] = eventID
	}
}

// Get returns the pending request for an event id without consuming it.
func (s *correlationStore) Get(eventID string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Peek(eventID)
}

// Take removes and returns the pending request for an event id.
func (s *correlationStore) Take(eventID string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries.Peek(eventID)
	if !ok {
		return nil, false
	}
	s.removeLocked(eventID, p)
	return p, true
}

// ByToken resolves a progress token to its request event id.
func (s *correlationStore) ByToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	return id, ok
}

func (s *correlationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

func (s *correlationStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.entries.Keys() {
		if p, ok := s.entries.Peek(key); ok {
			s.removeLocked(key, p)
		}
	}
}

// removeLocked deletes an entry that is being consumed rather than dropped,
// suppressing the eviction warning.
func (s *correlationStore) removeLocked(eventID string, _ *PendingRequest) {
	s.consuming = true
	s.entries.Remove(eventID)
	s.consuming = false
}
