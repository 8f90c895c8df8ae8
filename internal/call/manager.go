// Package call is the 1:1 call controller: one session at a time, driven
// by user operations and by signaling events from the peer, negotiated over
// a media.Engine.
//
// All session state sits behind one mutex. It is released only around
// media acquisition, ICE configuration and device enumeration; every
// teardown bumps an epoch, and work that resumes after one of those
// suspension points is discarded if the epoch moved.
package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

var log = logging.Logger("call")

// Manager owns the call session of this process.
type Manager struct {
	opts Options
	subs signaling.Set

	epoch atomic.Uint64

	mu                sync.Mutex
	closed            bool
	phase             Status
	callType          proto.CallType
	peerID            string
	chatID            string
	local             *media.LocalStream
	remote            *RemoteStream
	pc                media.PeerConnection
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit
	muted             bool
	cameraOff         bool
	videoDeviceID     string
	incoming          *IncomingCall
	accepted          bool
	ringTimer         *time.Timer

	listeners map[chan State]struct{}
}

// New returns an idle manager. Call Listen to start handling signaling.
func New(opts Options) *Manager {
	if opts.Ringer == nil {
		opts.Ringer = noRinger{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Manager{
		opts:      opts,
		phase:     StatusIdle,
		listeners: make(map[chan State]struct{}),
	}
}

// Listen registers the inbound call handlers. Calling it again replaces the
// previous registrations.
func (m *Manager) Listen() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	m.subs.ReleaseAll()
	sig := m.opts.Signaling
	m.subs.Add(sig.On(proto.EventIncoming, m.onIncoming))
	m.subs.Add(sig.On(proto.EventOffer, m.onOffer))
	m.subs.Add(sig.On(proto.EventAnswer, m.onAnswer))
	m.subs.Add(sig.On(proto.EventCandidate, m.onCandidate))
	m.subs.Add(sig.On(proto.EventAccept, m.onAccept))
	m.subs.Add(sig.On(proto.EventReject, m.onReject))
	m.subs.Add(sig.On(proto.EventEnd, m.onEnd))
	return nil
}

// Close ends any call, notifying the peer, and releases every subscription.
func (m *Manager) Close() {
	m.subs.ReleaseAll()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cleanup := m.teardownLocked(proto.ReasonEnded, true)
	for ch := range m.listeners {
		delete(m.listeners, ch)
		close(ch)
	}
	m.mu.Unlock()
	cleanup()
}

// State returns a snapshot of the session.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe delivers a snapshot after every change. Slow subscribers miss
// intermediate snapshots; State always has the current one.
func (m *Manager) Subscribe() (ch <-chan State, cancel func()) {
	c := make(chan State, 16)
	m.mu.Lock()
	if m.closed {
		close(c)
	} else {
		m.listeners[c] = struct{}{}
	}
	m.mu.Unlock()

	cancel = func() {
		m.mu.Lock()
		if _, ok := m.listeners[c]; ok {
			delete(m.listeners, c)
			close(c)
		}
		m.mu.Unlock()
	}
	return c, cancel
}

func (m *Manager) statusLocked() Status {
	if (m.phase == StatusInviting || m.phase == StatusConnecting) && m.local != nil && m.remote != nil {
		return StatusActive
	}
	return m.phase
}

func (m *Manager) snapshotLocked() State {
	s := State{
		Status:            m.statusLocked(),
		CallType:          m.callType,
		PeerUserID:        m.peerID,
		ChatID:            m.chatID,
		Muted:             m.muted,
		CameraOff:         m.cameraOff,
		VideoDeviceID:     m.videoDeviceID,
		PendingOffer:      m.pendingOffer != nil,
		PendingCandidates: len(m.pendingCandidates),
	}
	if m.local != nil {
		s.LocalTracks = len(m.local.Tracks)
	}
	if m.remote != nil {
		s.RemoteTracks = len(m.remote.Tracks)
	}
	if m.incoming != nil {
		in := *m.incoming
		s.Incoming = &in
	}
	return s
}

func (m *Manager) publishLocked() {
	m.broadcastLocked(m.snapshotLocked())
}

func (m *Manager) broadcastLocked(s State) {
	for ch := range m.listeners {
		select {
		case ch <- s:
		default:
		}
	}
}

// emit sends one event to the peer. Delivery failures are logged only.
func (m *Manager) emit(chatID, event string, payload any) {
	if err := m.opts.Signaling.Emit(event, payload); err != nil {
		log.Warnf("CALL [%s]: emit %s failed: %v", chatID, event, err)
	}
}

// startRingLocked plays the ringtone and arms the ring timeout.
func (m *Manager) startRingLocked(epoch uint64, incoming bool) {
	m.opts.Ringer.Start()
	if m.opts.RingTimeout <= 0 {
		return
	}
	if m.ringTimer != nil {
		m.ringTimer.Stop()
	}
	m.ringTimer = time.AfterFunc(m.opts.RingTimeout, func() { m.onRingTimeout(epoch, incoming) })
}

func (m *Manager) stopRingLocked() {
	m.opts.Ringer.Stop()
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Manager) onRingTimeout(epoch uint64, incoming bool) {
	m.mu.Lock()
	if m.epoch.Load() != epoch {
		m.mu.Unlock()
		return
	}
	var cleanup func()
	switch {
	case incoming && m.phase == StatusRingingIncoming:
		log.Infof("CALL [%s]: incoming call from %s timed out", m.chatID, m.peerID)
		m.emit(m.chatID, proto.EventReject, proto.Control{ChatID: m.chatID, ToUserID: m.peerID, Reason: proto.ReasonTimeout})
		m.opts.Notifier.Info("Missed call from %s", m.peerID)
		m.opts.Metrics.CallRejected(proto.ReasonTimeout)
		cleanup = m.teardownLocked(proto.ReasonTimeout, false)
	case !incoming && m.phase == StatusInviting && !m.accepted:
		log.Infof("CALL [%s]: no answer from %s", m.chatID, m.peerID)
		m.opts.Notifier.Info("No answer")
		cleanup = m.teardownLocked(proto.ReasonTimeout, true)
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	cleanup()
}

// EndCall tears the session down. It is idempotent and safe while idle.
// When notifyRemote is set and a peer is known, call:end is sent.
func (m *Manager) EndCall(notifyRemote bool) {
	m.mu.Lock()
	cleanup := m.teardownLocked(proto.ReasonEnded, notifyRemote)
	m.mu.Unlock()
	cleanup()
}

// teardownLocked returns the session to Idle. Releasing media and closing
// the peer connection can block, so that part is returned as a closure for
// the caller to run after unlocking.
func (m *Manager) teardownLocked(reason string, notifyRemote bool) func() {
	m.stopRingLocked()
	m.epoch.Add(1)

	wasIdle := m.phase == StatusIdle && m.pc == nil && m.local == nil && m.incoming == nil
	pc, local := m.pc, m.local
	peer, chat := m.peerID, m.chatID

	if notifyRemote && peer != "" && chat != "" {
		m.emit(chat, proto.EventEnd, proto.Control{ChatID: chat, ToUserID: peer, Reason: reason})
	}
	if pc != nil {
		// No callback of the old connection may touch the next session.
		pc.DetachHandlers()
	}

	if !wasIdle {
		ended := m.snapshotLocked()
		ended.Status = StatusEnded
		ended.EndReason = reason
		m.broadcastLocked(ended)
		m.opts.Metrics.CallEnded(reason)
		m.opts.Metrics.SetCallActive(false)
		log.Infof("CALL [%s]: ended (%s)", chat, reason)
	}

	m.phase = StatusIdle
	m.callType = ""
	m.peerID, m.chatID = "", ""
	m.local, m.remote, m.pc = nil, nil, nil
	m.pendingOffer, m.pendingCandidates = nil, nil
	m.muted, m.cameraOff = false, false
	m.videoDeviceID = ""
	m.incoming = nil
	m.accepted = false
	if !wasIdle {
		m.publishLocked()
	}

	return func() {
		var err error
		if pc != nil {
			for _, s := range pc.Senders() {
				if t := s.Track(); t != nil {
					err = multierr.Append(err, t.Stop())
				}
			}
			err = multierr.Append(err, pc.StopTransceivers())
			err = multierr.Append(err, pc.Close())
		}
		err = multierr.Append(err, local.Stop())
		if err != nil {
			log.Debugf("CALL [%s]: teardown: %v", chat, err)
		}
	}
}

// newPeerLocked builds the session's peer connection, adds the local
// tracks and registers callbacks bound to epoch.
func (m *Manager) newPeerLocked(epoch uint64, servers []webrtc.ICEServer, local *media.LocalStream) (media.PeerConnection, error) {
	pc, err := m.opts.Engine.NewPeerConnection(servers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	for _, t := range local.Tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	chat, peer := m.chatID, m.peerID
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if m.epoch.Load() != epoch {
			return
		}
		m.emit(chat, proto.EventCandidate, proto.Candidate{ChatID: chat, ToUserID: peer, Candidate: c})
	})
	pc.OnTrack(func(t media.RemoteTrack) { m.onRemoteTrack(epoch, t) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if m.epoch.Load() == epoch {
			log.Infof("CALL [%s]: peer connection %s", chat, s)
		}
	})
	return pc, nil
}

func (m *Manager) onRemoteTrack(epoch uint64, t media.RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch.Load() != epoch {
		return
	}
	before := m.statusLocked()
	if m.remote == nil || m.remote.ID != t.StreamID() {
		m.remote = &RemoteStream{ID: t.StreamID()}
	}
	m.remote.Tracks = append(m.remote.Tracks, t)
	log.Infof("CALL [%s]: remote %s track %s", m.chatID, t.Kind(), t.ID())
	if before != StatusActive && m.statusLocked() == StatusActive {
		m.opts.Metrics.SetCallActive(true)
		log.Infof("CALL [%s]: active with %s", m.chatID, m.peerID)
	}
	m.publishLocked()
}

// fromPeerLocked reports whether a signal belongs to the current session.
func (m *Manager) fromPeerLocked(from, chat string) bool {
	if m.phase == StatusIdle {
		return false
	}
	if chat != "" && chat != m.chatID {
		return false
	}
	return from == "" || from == m.peerID
}

func decode[T any](event string, raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warnf("CALL: malformed %s: %v", event, err)
		return v, false
	}
	return v, true
}
