// Package group hands multi-party calls off to a conferencing server: it
// obtains a room token from the API, joins the room and announces the call
// to the chat over signaling.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

var log = logging.Logger("group")

var (
	// ErrAlreadyOpen is returned when a group call is open or joining.
	ErrAlreadyOpen = errors.New("group call already open")
	// ErrEnded is returned by StartGroupCall when EndGroupCall ran while
	// it was still joining.
	ErrEnded = errors.New("group call ended while joining")
)

const defaultFailure = "Failed to start call"

type Options struct {
	Signaling  signaling.Channel
	Tokens     TokenSource
	Conference Conference
	Notifier   notify.Notifier
	Metrics    metrics.Collector
	Now        func() time.Time
}

// State is what a UI renders for the group call.
type State struct {
	Open       bool           `json:"open"`
	Connecting bool           `json:"connecting"`
	ChatID     string         `json:"chatId,omitempty"`
	Type       proto.CallType `json:"type,omitempty"`
	URL        string         `json:"url,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Session tracks the single group call this process may have open.
type Session struct {
	opts Options

	mu        sync.Mutex
	state     State
	epoch     uint64
	room      Room
	joining   bool // a Join is outstanding, even if the call was ended
	listeners map[chan State]struct{}
}

func New(opts Options) *Session {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{opts: opts, listeners: make(map[chan State]struct{})}
}

// SetTokens replaces the token source used by later StartGroupCall calls.
func (s *Session) SetTokens(t TokenSource) {
	s.mu.Lock()
	s.opts.Tokens = t
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe delivers every state change. Slow readers miss updates.
func (s *Session) Subscribe() (ch <-chan State, cancel func()) {
	c := make(chan State, 8)
	s.mu.Lock()
	s.listeners[c] = struct{}{}
	s.mu.Unlock()
	return c, func() {
		s.mu.Lock()
		if _, ok := s.listeners[c]; ok {
			delete(s.listeners, c)
			close(c)
		}
		s.mu.Unlock()
	}
}

func (s *Session) publishLocked() {
	for ch := range s.listeners {
		select {
		case ch <- s.state:
		default:
		}
	}
}

// StartGroupCall fetches a token for chatID's room and joins it. On any
// failure the error is recorded in State and the room is never joined.
func (s *Session) StartGroupCall(ctx context.Context, chatID string, typ proto.CallType) error {
	if !typ.Valid() {
		typ = proto.CallAudio
	}
	s.mu.Lock()
	if s.state.Open || s.state.Connecting || s.joining {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.epoch++
	epoch := s.epoch
	tokens := s.opts.Tokens
	s.state = State{Connecting: true, ChatID: chatID, Type: typ}
	s.publishLocked()
	s.mu.Unlock()

	tok, err := tokens.RoomToken(ctx, chatID)
	if err == nil {
		err = CheckRoomToken(tok.Token, chatID, s.opts.Now())
	}
	if err != nil {
		return s.fail(epoch, chatID, fmt.Errorf("room token: %w", err))
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrEnded
	}
	s.joining = true
	s.mu.Unlock()
	room, err := s.opts.Conference.Join(ctx, tok.URL, tok.Token, typ, func() { s.onDisconnect(epoch) })

	s.mu.Lock()
	if err == nil && s.epoch != epoch {
		s.mu.Unlock()
		// The slot stays taken until the abandoned room is gone.
		if err := room.Leave(); err != nil {
			log.Warnf("GROUP [%s]: leave after cancel: %v", chatID, err)
		}
		s.mu.Lock()
		s.joining = false
		s.mu.Unlock()
		return ErrEnded
	}
	s.joining = false
	if err != nil {
		s.mu.Unlock()
		return s.fail(epoch, chatID, err)
	}
	s.room = room
	s.state = State{Open: true, ChatID: chatID, Type: typ, URL: tok.URL}
	s.publishLocked()
	s.mu.Unlock()

	s.opts.Metrics.GroupCallStarted()
	s.opts.Notifier.Success("Joined group call")
	log.Infof("GROUP [%s]: %s call open at %s", chatID, typ, tok.URL)
	if err := s.opts.Signaling.Emit(proto.EventGroupStarted, proto.GroupNotice{ChatID: chatID, Type: typ}); err != nil {
		log.Warnf("GROUP [%s]: emit %s failed: %v", chatID, proto.EventGroupStarted, err)
	}
	return nil
}

func (s *Session) fail(epoch uint64, chatID string, err error) error {
	msg := defaultFailure
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	s.mu.Lock()
	if s.epoch == epoch {
		s.state = State{Error: msg}
		s.publishLocked()
	}
	s.mu.Unlock()

	s.opts.Metrics.GroupCallFailed()
	s.opts.Notifier.Error("%s", msg)
	log.Warnf("GROUP [%s]: start failed: %v", chatID, err)
	return err
}

// EndGroupCall leaves the room and clears all group state. The ended notice
// is sent only when a room was open. Safe when nothing is open.
func (s *Session) EndGroupCall() {
	s.mu.Lock()
	wasOpen, joining, chatID := s.state.Open, s.state.Connecting, s.state.ChatID
	room := s.room
	s.epoch++
	s.room = nil
	s.state = State{}
	s.publishLocked()
	s.mu.Unlock()

	if !wasOpen {
		if joining {
			log.Infof("GROUP [%s]: join abandoned", chatID)
		}
		return
	}
	if room != nil {
		if err := room.Leave(); err != nil {
			log.Warnf("GROUP [%s]: leave: %v", chatID, err)
		}
	}
	s.opts.Metrics.GroupCallEnded()
	log.Infof("GROUP [%s]: call ended", chatID)
	if err := s.opts.Signaling.Emit(proto.EventGroupEnded, proto.GroupNotice{ChatID: chatID}); err != nil {
		log.Warnf("GROUP [%s]: emit %s failed: %v", chatID, proto.EventGroupEnded, err)
	}
}

func (s *Session) onDisconnect(epoch uint64) {
	s.mu.Lock()
	stale := s.epoch != epoch
	s.mu.Unlock()
	if stale {
		return
	}
	s.opts.Notifier.Info("Disconnected from group call")
	s.EndGroupCall()
}
