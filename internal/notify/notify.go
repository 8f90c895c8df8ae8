// Package notify carries transient user-facing messages (toasts) from the
// call controllers to whatever surface renders them.
package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/util"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notifier is what the controllers report to.
type Notifier interface {
	Info(format string, args ...any)
	Success(format string, args ...any)
	Error(format string, args ...any)
}

type Entry struct {
	ID    string    `json:"id"`
	TS    time.Time `json:"ts"`
	Level Level     `json:"level"`
	Msg   string    `json:"msg"`
}

// Center keeps the most recent entries and fans new ones out to
// subscribers. Slow subscribers miss entries rather than block.
type Center struct {
	mu      sync.Mutex
	entries *util.RingBuffer[Entry]
	subs    map[chan Entry]struct{}
}

func NewCenter(max int) *Center {
	if max <= 0 {
		max = 100
	}
	return &Center{
		entries: util.NewRingBuffer[Entry](max),
		subs:    make(map[chan Entry]struct{}),
	}
}

func (c *Center) Info(format string, args ...any)    { c.post(LevelInfo, format, args...) }
func (c *Center) Success(format string, args ...any) { c.post(LevelSuccess, format, args...) }
func (c *Center) Error(format string, args ...any)   { c.post(LevelError, format, args...) }

func (c *Center) post(lvl Level, format string, args ...any) {
	e := Entry{ID: uuid.NewString(), TS: time.Now(), Level: lvl, Msg: fmt.Sprintf(format, args...)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Push(e)
	for ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (c *Center) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Snapshot()
}

// Last returns the newest entry.
func (c *Center) Last() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Last()
}

func (c *Center) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	cancel = func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// GET /notifications
func (c *Center) ServeJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(c.Snapshot())
}

// GET /notifications/stream (Server-Sent Events), tail only
func (c *Center) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := c.Subscribe()
	defer cancel()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: " + string(e.Level) + "\n"))
			_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
			flusher.Flush()
		}
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Info(string, ...any)    {}
func (Discard) Success(string, ...any) {}
func (Discard) Error(string, ...any)   {}
