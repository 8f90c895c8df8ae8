package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Bus is an in-process relay. Each Endpoint is a Channel for one user and
// receives events through its own goroutine, so delivery order per
// recipient matches emit order and handlers never run on the emitter's
// stack.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	now       func() int64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint), now: proto.NowMillis}
}

// Endpoint attaches a user to the bus. A second Endpoint for the same user
// replaces the first.
func (b *Bus) Endpoint(self Identity) *Endpoint {
	ep := &Endpoint{
		bus:   b,
		self:  self,
		inbox: make(chan proto.Envelope, sendBuffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	old := b.endpoints[self.UserID]
	b.endpoints[self.UserID] = ep
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go ep.loop()
	return ep
}

func (b *Bus) deliver(from Identity, env proto.Envelope) error {
	d, err := Route(from, env, b.now())
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if d.Broadcast {
		for id, ep := range b.endpoints {
			if id != from.UserID {
				ep.enqueue(d.Envelope)
			}
		}
		return nil
	}
	ep, ok := b.endpoints[d.To]
	if !ok {
		log.Debugf("SIGNALING: bus drop %s for offline %s", env.Event, d.To)
		return nil
	}
	ep.enqueue(d.Envelope)
	return nil
}

func (b *Bus) detach(ep *Endpoint) {
	b.mu.Lock()
	if b.endpoints[ep.self.UserID] == ep {
		delete(b.endpoints, ep.self.UserID)
	}
	b.mu.Unlock()
}

// Endpoint is one user's view of a Bus.
type Endpoint struct {
	Table

	bus   *Bus
	self  Identity
	inbox chan proto.Envelope

	once sync.Once
	done chan struct{}
}

// Emit routes one event through the bus.
func (e *Endpoint) Emit(event string, payload any) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return e.bus.deliver(e.self, proto.Envelope{Event: event, Data: data})
}

// Close detaches the endpoint. Queued events are discarded.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		e.bus.detach(e)
		close(e.done)
	})
}

func (e *Endpoint) enqueue(env proto.Envelope) {
	select {
	case e.inbox <- env:
	case <-e.done:
	default:
		log.Warnf("SIGNALING: bus inbox full for %s, dropping %s", e.self.UserID, env.Event)
	}
}

func (e *Endpoint) loop() {
	for {
		select {
		case <-e.done:
			return
		case env := <-e.inbox:
			e.Dispatch(env.Event, env.Data)
		}
	}
}
