package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

var errRunTwice = errors.New("signaling: Run called twice")

// WSClient is a Channel backed by a websocket connection to a relay.
// Run keeps the connection alive; events emitted while disconnected are
// queued and flushed after the next successful dial.
type WSClient struct {
	Table

	url    string
	header http.Header
	dialer *websocket.Dialer

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	stopped   chan struct{}
	connected atomic.Bool
	sessionID string

	// OnConnect, if set, is called with true after every dial and with
	// false after every disconnect.
	OnConnect func(up bool)
}

// NewWSClient prepares a client for the relay at rawURL. The identity is
// carried as query parameters; token, if set, as a bearer header.
func NewWSClient(rawURL string, self Identity, token string) (*WSClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("user", self.UserID)
	if self.Name != "" {
		q.Set("name", self.Name)
	}
	if self.Avatar != "" {
		q.Set("avatar", self.Avatar)
	}
	sid := uuid.NewString()
	q.Set("session", sid)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	return &WSClient{
		url:       u.String(),
		header:    h,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
		stopped:   make(chan struct{}),
		sessionID: sid,
	}, nil
}

// SessionID identifies this client instance to the relay.
func (c *WSClient) SessionID() string { return c.sessionID }

// Connected reports whether a relay connection is currently up.
func (c *WSClient) Connected() bool { return c.connected.Load() }

// Emit queues one event for delivery.
func (c *WSClient) Emit(event string, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg, err := json.Marshal(proto.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("emit %s: send buffer full", event)
	}
}

// Close rejects further emits and stops Run. Events already queued are
// written before the close frame; Close waits up to writeWait for that.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	if !c.running.Load() {
		return nil
	}
	select {
	case <-c.stopped:
		return nil
	case <-time.After(writeWait):
		return fmt.Errorf("close: %d queued events not flushed", len(c.send))
	}
}

// Run dials the relay and serves the connection, redialing with
// exponential backoff until ctx is done or Close is called. It may be
// called once.
func (c *WSClient) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errRunTwice
	}
	defer close(c.stopped)

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			log.Warnf("SIGNALING: dial failed: %v (retry in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		log.Infof("SIGNALING: connected to %s", c.url)
		c.setConnected(true)
		err = c.serve(ctx, conn)
		c.setConnected(false)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("SIGNALING: connection lost: %v", err)
		}
	}
}

func (c *WSClient) setConnected(up bool) {
	c.connected.Store(up)
	if c.OnConnect != nil {
		c.OnConnect(up)
	}
}

// serve runs the write pump in a goroutine and the read pump inline.
func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx, conn, done)
	}()

	err := c.readPump(conn)
	close(done)
	conn.Close()
	wg.Wait()
	return err
}

func (c *WSClient) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env proto.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Debugf("SIGNALING: dropping malformed frame: %v", err)
			continue
		}
		if env.Event == "" {
			continue
		}
		if n := c.Dispatch(env.Event, env.Data); n == 0 {
			log.Debugf("SIGNALING: no handler for %s", env.Event)
		}
	}
}

func (c *WSClient) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.shutdown(conn)
			return
		case <-c.closed:
			c.shutdown(conn)
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("SIGNALING: write failed: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// shutdown flushes whatever is queued, bounded by writeWait, then sends the
// close frame.
func (c *WSClient) shutdown(conn *websocket.Conn) {
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	n := 0
flush:
	for {
		select {
		case msg := <-c.send:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("SIGNALING: flush failed after %d events: %v", n, err)
				break flush
			}
			n++
		default:
			break flush
		}
	}
	if n > 0 {
		log.Debugf("SIGNALING: flushed %d queued events on close", n)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
}
