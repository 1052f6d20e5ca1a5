package transport

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Session is the per-client state the server transport keeps between
// messages.
type Session struct {
	ClientPubkey string
	IsEncrypted  bool
	Initialized  bool
	CreatedAt    time.Time
	LastActivity time.Time
}

const defaultSessionCapacity = 1000

// sessionStore holds client sessions keyed by pubkey in a bounded LRU.
// Eviction fires the configured callback; the shouldEvict predicate can veto
// an eviction by re-inserting the entry.
type sessionStore struct {
	mu          sync.Mutex
	entries     *lru.Cache[string, *Session]
	log         *slog.Logger
	onEvicted   func(clientPubkey string)
	shouldEvict func(*Session) bool

	// reinsert holds a vetoed eviction to re-add once the triggering Add
	// returns, since re-adding inside the evict callback would deadlock.
	reinsert *Session
}

func newSessionStore(capacity int, log *slog.Logger, onEvicted func(string), shouldEvict func(*Session) bool) *sessionStore {
	if capacity <= 0 {
		capacity = defaultSessionCapacity
	}
	s := &sessionStore{log: log, onEvicted: onEvicted, shouldEvict: shouldEvict}
	s.entries, _ = lru.NewWithEvict[string, *Session](capacity, func(pubkey string, sess *Session) {
		if s.shouldEvict != nil && !s.shouldEvict(sess) {
			s.log.Debug("session eviction vetoed", "client", pubkey)
			s.reinsert = sess
			return
		}
		s.log.Info("client session evicted", "client", pubkey)
		if s.onEvicted != nil {
			go s.onEvicted(pubkey)
		}
	})
	return s
}

// GetOrCreate returns the session for a client, creating one on first
// contact, and bumps its activity clock.
func (s *sessionStore) GetOrCreate(clientPubkey string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.entries.Get(clientPubkey); ok {
		sess.LastActivity = time.Now()
		return sess
	}
	now := time.Now()
	sess := &Session{ClientPubkey: clientPubkey, CreatedAt: now, LastActivity: now}
	s.addLocked(clientPubkey, sess)
	return sess
}

func (s *sessionStore) Get(clientPubkey string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Peek(clientPubkey)
}

// InitializedPubkeys snapshots the clients whose handshake completed, for
// notification fan-out.
func (s *sessionStore) InitializedPubkeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, key := range s.entries.Keys() {
		if sess, ok := s.entries.Peek(key); ok && sess.Initialized {
			out = append(out, key)
		}
	}
	return out
}

func (s *sessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// SweepIdle drops sessions idle for longer than maxIdle and returns how many
// were removed. Idle removals go through the same eviction path as capacity
// pressure.
func (s *sessionStore) SweepIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for _, key := range s.entries.Keys() {
		sess, ok := s.entries.Peek(key)
		if !ok || sess.LastActivity.After(cutoff) {
			continue
		}
		s.entries.Remove(key)
		if s.reinsert != nil {
			s.entries.Add(key, s.reinsert)
			s.reinsert = nil
			continue
		}
		removed++
	}
	return removed
}

func (s *sessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Bypass the eviction callback on shutdown.
	saved := s.onEvicted
	savedVeto := s.shouldEvict
	s.onEvicted, s.shouldEvict = nil, nil
	s.entries.Purge()
	s.onEvicted, s.shouldEvict = saved, savedVeto
}

func (s *sessionStore) addLocked(clientPubkey string, sess *Session) {
	s.entries.Add(clientPubkey, sess)
	if s.reinsert != nil {
		re := s.reinsert
		s.reinsert = nil
		s.entries.Add(re.ClientPubkey, re)
	}
}
