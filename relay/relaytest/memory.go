package relaytest

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// MemoryRelay is an in-memory relay.Handler. Publishes are delivered
// synchronously to every matching subscription, which keeps transport tests
// deterministic without a socket in the loop.
type MemoryRelay struct {
	mu         sync.Mutex
	subs       map[int]*memorySub
	nextSubID  int
	stored     []*nostr.Event
	published  []*nostr.Event
	publishErr error
}

type memorySub struct {
	filters nostr.Filters
	onEvent func(*nostr.Event)
}

// NewMemoryRelay builds an empty in-memory relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[int]*memorySub)}
}

// Connect implements relay.Handler.
func (m *MemoryRelay) Connect(context.Context) error { return nil }

// Disconnect implements relay.Handler.
func (m *MemoryRelay) Disconnect(context.Context) error { return nil }

// RelayURLs implements relay.Handler.
func (m *MemoryRelay) RelayURLs() []string { return []string{"memory://test"} }

// SetPublishError makes subsequent publishes fail.
func (m *MemoryRelay) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Published returns every event published so far.
func (m *MemoryRelay) Published() []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nostr.Event(nil), m.published...)
}

// PublishedOfKind returns published events of the given kind.
func (m *MemoryRelay) PublishedOfKind(kind int) []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range m.published {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Publish implements relay.Handler.
func (m *MemoryRelay) Publish(_ context.Context, ev *nostr.Event) error {
	m.mu.Lock()
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, ev)
	m.stored = append(m.stored, ev)
	subs := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if s.filters.Match(ev) {
			s.onEvent(ev)
		}
	}
	return nil
}

// Inject delivers an event to subscribers without recording it as published.
func (m *MemoryRelay) Inject(ev *nostr.Event) {
	m.mu.Lock()
	m.stored = append(m.stored, ev)
	subs := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if s.filters.Match(ev) {
			s.onEvent(ev)
		}
	}
}

// Subscribe implements relay.Handler. Stored events matching the filters are
// replayed before EOSE fires.
func (m *MemoryRelay) Subscribe(_ context.Context, filters nostr.Filters, onEvent func(*nostr.Event), onEOSE func()) (func(), error) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = &memorySub{filters: filters, onEvent: onEvent}
	stored := append([]*nostr.Event(nil), m.stored...)
	m.mu.Unlock()

	for _, ev := range stored {
		if filters.Match(ev) {
			onEvent(ev)
		}
	}
	if onEOSE != nil {
		onEOSE()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}
