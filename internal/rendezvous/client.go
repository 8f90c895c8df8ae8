package rendezvous

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// client is one websocket connection of an authenticated user.
type client struct {
	hub     *hub
	conn    *websocket.Conn
	id      string
	who     signaling.Identity
	send    chan []byte
	limiter *rate.Limiter
}

// readPump routes every inbound envelope until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infof("RELAY [%s]: unexpected close: %v", c.who.UserID, err)
			}
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			log.Debugf("RELAY [%s]: invalid message dropped", c.who.UserID)
			c.hub.metrics.RelayDropped("invalid", "decode")
			continue
		}
		if !c.limiter.Allow() {
			c.hub.metrics.RelayDropped(env.Event, "rate")
			continue
		}
		c.hub.metrics.RelayMessage(env.Event, len(raw))

		d, err := signaling.Route(c.who, env, proto.NowMillis())
		if err != nil {
			log.Debugf("RELAY [%s]: %s not routed: %v", c.who.UserID, env.Event, err)
			c.hub.metrics.RelayDropped(env.Event, "unroutable")
			continue
		}
		c.hub.deliver(c.who.UserID, d)
	}
}

// writePump owns all writes on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
