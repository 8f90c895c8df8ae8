package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

// StartCall invites peerID to a call in chatID. The session is reserved
// immediately, so invites arriving while media is acquired are answered
// busy. Any failure returns the session to Idle.
func (m *Manager) StartCall(ctx context.Context, chatID, peerID string, typ proto.CallType) error {
	if !typ.Valid() {
		return fmt.Errorf("unknown call type %q", typ)
	}
	if chatID == "" || peerID == "" {
		return errors.New("chat and peer are required")
	}
	if peerID == m.opts.Self {
		return errors.New("cannot call yourself")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != StatusIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.phase = StatusInviting
	m.callType = typ
	m.peerID, m.chatID = peerID, chatID
	m.cameraOff = typ != proto.CallVideo
	epoch := m.epoch.Load()
	m.publishLocked()
	m.mu.Unlock()

	log.Infof("CALL [%s]: calling %s (%s)", chatID, peerID, typ)
	local, servers, err := m.acquire(ctx, typ)

	m.mu.Lock()
	if m.epoch.Load() != epoch {
		m.mu.Unlock()
		_ = local.Stop()
		return ErrCallEnded
	}
	if err != nil {
		return m.failLocked(err, "Could not access camera or microphone", false)
	}

	pc, err := m.newPeerLocked(epoch, servers, local)
	if err != nil {
		m.local = local
		return m.failLocked(err, "Could not start the call", false)
	}
	m.local, m.pc = local, pc
	m.setVideoDeviceLocked()

	m.emit(chatID, proto.EventInvite, proto.Invite{ChatID: chatID, ToUserID: peerID, Type: typ})
	m.startRingLocked(epoch, false)
	m.opts.Metrics.CallStarted("outgoing")

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		return m.failLocked(fmt.Errorf("create offer: %w", err), "Could not start the call", true)
	}
	m.emit(chatID, proto.EventOffer, proto.Description{ChatID: chatID, ToUserID: peerID, SDP: offer})
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// AcceptCall answers the pending invitation. A buffered offer is answered
// right away and buffered candidates are applied in arrival order.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != StatusRingingIncoming || m.incoming == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.stopRingLocked()
	inc := *m.incoming
	m.phase = StatusConnecting
	m.cameraOff = inc.Type != proto.CallVideo
	epoch := m.epoch.Load()
	m.publishLocked()
	m.mu.Unlock()

	log.Infof("CALL [%s]: accepting %s call from %s", inc.ChatID, inc.Type, inc.FromUserID)
	local, servers, err := m.acquire(ctx, inc.Type)

	m.mu.Lock()
	if m.epoch.Load() != epoch {
		m.mu.Unlock()
		_ = local.Stop()
		return ErrCallEnded
	}
	if err != nil {
		m.emit(inc.ChatID, proto.EventReject, proto.Control{ChatID: inc.ChatID, ToUserID: inc.FromUserID, Reason: proto.ReasonFailed})
		return m.failLocked(err, "Could not access camera or microphone", false)
	}

	pc, err := m.newPeerLocked(epoch, servers, local)
	if err != nil {
		m.local = local
		m.emit(inc.ChatID, proto.EventReject, proto.Control{ChatID: inc.ChatID, ToUserID: inc.FromUserID, Reason: proto.ReasonFailed})
		return m.failLocked(err, "Could not join the call", false)
	}
	m.local, m.pc = local, pc
	m.setVideoDeviceLocked()

	m.emit(inc.ChatID, proto.EventAccept, proto.Control{ChatID: inc.ChatID, ToUserID: inc.FromUserID})
	m.opts.Metrics.CallAccepted()

	if m.pendingOffer != nil {
		offer := *m.pendingOffer
		m.pendingOffer = nil
		m.answerLocked(offer)
	}
	for _, c := range m.pendingCandidates {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: buffered candidate rejected: %v", inc.ChatID, err)
		}
	}
	m.pendingCandidates = nil
	m.incoming = nil
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// RejectCall declines the pending invitation. No media is acquired.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.phase != StatusRingingIncoming || m.incoming == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	inc := *m.incoming
	m.emit(inc.ChatID, proto.EventReject, proto.Control{ChatID: inc.ChatID, ToUserID: inc.FromUserID})
	m.opts.Metrics.CallRejected("declined")
	log.Infof("CALL [%s]: rejected call from %s", inc.ChatID, inc.FromUserID)
	cleanup := m.teardownLocked("declined", false)
	m.mu.Unlock()
	cleanup()
	return nil
}

// acquire runs the two suspension points of call setup without the lock.
func (m *Manager) acquire(ctx context.Context, typ proto.CallType) (*media.LocalStream, []webrtc.ICEServer, error) {
	local, err := m.opts.Engine.GetUserMedia(ctx, media.Constraints{Audio: true, Video: typ == proto.CallVideo})
	if err != nil {
		return nil, nil, fmt.Errorf("get user media: %w", err)
	}
	return local, m.opts.ICE.Get(ctx), nil
}

// failLocked reports err, tears the session down and unlocks. It returns
// err for the caller to pass on. sentInvite asks for a call:end so the
// peer does not keep ringing.
func (m *Manager) failLocked(err error, userMsg string, sentInvite bool) error {
	chat := m.chatID
	log.Warnf("CALL [%s]: %v", chat, err)
	m.opts.Notifier.Error("%s", userMsg)
	cleanup := m.teardownLocked(proto.ReasonFailed, sentInvite)
	m.mu.Unlock()
	cleanup()
	return err
}

// answerLocked applies a remote offer and sends the answer. Negotiation
// errors are logged and leave the session as it is.
func (m *Manager) answerLocked(offer webrtc.SessionDescription) {
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		log.Warnf("CALL [%s]: apply offer: %v", m.chatID, err)
		return
	}
	answer, err := m.pc.CreateAnswer()
	if err != nil {
		log.Warnf("CALL [%s]: create answer: %v", m.chatID, err)
		return
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		log.Warnf("CALL [%s]: set answer: %v", m.chatID, err)
		return
	}
	m.emit(m.chatID, proto.EventAnswer, proto.Description{ChatID: m.chatID, ToUserID: m.peerID, SDP: answer})
}

func (m *Manager) setVideoDeviceLocked() {
	if v := m.local.Video(); len(v) > 0 {
		m.videoDeviceID = v[0].DeviceID()
	}
}
