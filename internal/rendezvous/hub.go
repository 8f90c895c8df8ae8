package rendezvous

import (
	"encoding/json"
	"sync"

	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// hub indexes live connections by user. A user may hold several.
type hub struct {
	metrics metrics.Collector

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func newHub(m metrics.Collector) *hub {
	return &hub{metrics: m, clients: make(map[string]map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.who.UserID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.who.UserID] = set
	}
	set[c] = struct{}{}
	h.metrics.RelayClientConnected()
	log.Infof("RELAY [%s]: connected %s (%d connections)", c.who.UserID, c.id, len(set))
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.who.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.who.UserID)
	}
	h.metrics.RelayClientDisconnected()
	log.Infof("RELAY [%s]: disconnected %s", c.who.UserID, c.id)
}

// online reports whether user has at least one connection.
func (h *hub) online(user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[user]) > 0
}

// deliver queues a routed event. A full send buffer drops the message for
// that connection rather than stall the sender.
func (h *hub) deliver(from string, d signaling.Delivery) {
	data, err := json.Marshal(d.Envelope)
	if err != nil {
		log.Warnf("RELAY [%s]: marshal %s: %v", from, d.Envelope.Event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*client
	if d.Broadcast {
		for user, set := range h.clients {
			if user == from {
				continue
			}
			for c := range set {
				targets = append(targets, c)
			}
		}
	} else {
		for c := range h.clients[d.To] {
			targets = append(targets, c)
		}
		if len(targets) == 0 {
			log.Debugf("RELAY [%s]: %s for offline %s dropped", from, d.Envelope.Event, d.To)
			h.metrics.RelayDropped(d.Envelope.Event, "offline")
			return
		}
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.metrics.RelayDropped(d.Envelope.Event, "slow")
		}
	}
}
