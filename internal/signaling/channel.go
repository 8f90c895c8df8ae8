// Package signaling defines the out-of-band event channel the call agent
// talks through, and ships two implementations of it: a websocket client
// for a real relay and an in-memory bus for loopback use.
//
// The channel is assumed ordered and at-least-once between two user
// identities. Nothing here retries on behalf of callers.
package signaling

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

// ErrClosed is returned by Emit after the channel has been closed.
var ErrClosed = errors.New("signaling channel closed")

// Handler receives the raw JSON data of one inbound event.
type Handler func(data json.RawMessage)

// Subscription is a handle on one registered handler. Release is idempotent.
type Subscription interface {
	Release()
}

// Channel is the only surface the call and group packages need from the
// transport.
type Channel interface {
	// Emit sends one event. payload is marshalled to JSON.
	Emit(event string, payload any) error
	// On registers h for event and returns the handle that removes it.
	On(event string, h Handler) Subscription
}

// Table is a subscription table keyed by event name. Handlers for one event
// run in registration order. Implementations of Channel embed it.
type Table struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

type tableSub struct {
	t     *Table
	event string
	id    uint64
	once  sync.Once
}

func (s *tableSub) Release() {
	s.once.Do(func() {
		s.t.mu.Lock()
		if hs, ok := s.t.handlers[s.event]; ok {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(s.t.handlers, s.event)
			}
		}
		s.t.mu.Unlock()
	})
}

// On registers h for event.
func (t *Table) On(event string, h Handler) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[string]map[uint64]Handler)
	}
	t.nextID++
	hs, ok := t.handlers[event]
	if !ok {
		hs = make(map[uint64]Handler)
		t.handlers[event] = hs
	}
	hs[t.nextID] = h
	return &tableSub{t: t, event: event, id: t.nextID}
}

// Count returns how many handlers are registered for event.
func (t *Table) Count(event string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[event])
}

// Dispatch runs every handler registered for event. Handlers are invoked
// outside the table lock so they may register or release subscriptions.
func (t *Table) Dispatch(event string, data json.RawMessage) int {
	t.mu.RLock()
	hs := t.handlers[event]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, hs[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
	return len(fns)
}

// Set is an owned list of subscriptions released together.
type Set struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add keeps s until the next ReleaseAll.
func (s *Set) Add(sub Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// ReleaseAll releases every held subscription and empties the set.
func (s *Set) ReleaseAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Release()
	}
}

// Len returns the number of held subscriptions.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
