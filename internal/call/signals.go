package call

import (
	"encoding/json"

	"github.com/petervdpas/goopcall/internal/proto"
)

func (m *Manager) onIncoming(raw json.RawMessage) {
	in, ok := decode[proto.Incoming](proto.EventIncoming, raw)
	if !ok || in.FromUserID == "" || in.ChatID == "" {
		return
	}
	if !in.Type.Valid() {
		in.Type = proto.CallAudio
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != StatusIdle {
		// A redelivered invite for the call already ringing is not glare.
		if m.incoming != nil && m.incoming.ChatID == in.ChatID &&
			m.incoming.FromUserID == in.FromUserID && m.incoming.Timestamp == in.Timestamp {
			return
		}
		log.Infof("CALL [%s]: busy, rejecting %s", in.ChatID, in.FromUserID)
		m.emit(in.ChatID, proto.EventReject, proto.Control{ChatID: in.ChatID, ToUserID: in.FromUserID, Reason: proto.ReasonBusy})
		m.opts.Metrics.CallBusy()
		return
	}

	m.phase = StatusRingingIncoming
	m.incoming = &IncomingCall{
		ChatID:         in.ChatID,
		FromUserID:     in.FromUserID,
		FromUserName:   in.FromUserName,
		FromUserAvatar: in.FromUserAvatar,
		Type:           in.Type,
		Timestamp:      in.Timestamp,
	}
	m.callType = in.Type
	m.peerID, m.chatID = in.FromUserID, in.ChatID
	m.startRingLocked(m.epoch.Load(), true)
	m.opts.Metrics.CallStarted("incoming")

	name := in.FromUserName
	if name == "" {
		name = in.FromUserID
	}
	m.opts.Notifier.Info("Incoming %s call from %s", in.Type, name)
	log.Infof("CALL [%s]: incoming %s call from %s", in.ChatID, in.Type, in.FromUserID)
	m.publishLocked()
}

func (m *Manager) onOffer(raw json.RawMessage) {
	d, ok := decode[proto.Description](proto.EventOffer, raw)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fromPeerLocked(d.FromUserID, d.ChatID) {
		log.Debugf("CALL [%s]: ignoring offer from %s", d.ChatID, d.FromUserID)
		return
	}
	if m.pc != nil {
		m.answerLocked(d.SDP)
		return
	}
	if m.phase == StatusRingingIncoming || m.phase == StatusConnecting {
		offer := d.SDP
		m.pendingOffer = &offer
		log.Debugf("CALL [%s]: offer buffered", m.chatID)
		m.publishLocked()
	}
}

func (m *Manager) onAnswer(raw json.RawMessage) {
	d, ok := decode[proto.Description](proto.EventAnswer, raw)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fromPeerLocked(d.FromUserID, d.ChatID) || m.pc == nil {
		return
	}
	if err := m.pc.SetRemoteDescription(d.SDP); err != nil {
		log.Warnf("CALL [%s]: apply answer: %v", m.chatID, err)
	}
}

func (m *Manager) onCandidate(raw json.RawMessage) {
	c, ok := decode[proto.Candidate](proto.EventCandidate, raw)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fromPeerLocked(c.FromUserID, c.ChatID) {
		return
	}
	if m.pc != nil {
		if err := m.pc.AddICECandidate(c.Candidate); err != nil {
			log.Warnf("CALL [%s]: add candidate: %v", m.chatID, err)
		}
		return
	}
	if m.phase == StatusRingingIncoming || m.phase == StatusConnecting {
		m.pendingCandidates = append(m.pendingCandidates, c.Candidate)
		m.publishLocked()
	}
}

func (m *Manager) onAccept(raw json.RawMessage) {
	c, ok := decode[proto.Control](proto.EventAccept, raw)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fromPeerLocked(c.FromUserID, c.ChatID) {
		return
	}
	m.stopRingLocked()
	m.accepted = true
	m.opts.Notifier.Success("Call accepted")
	log.Infof("CALL [%s]: %s accepted", m.chatID, m.peerID)
	m.publishLocked()
}

func (m *Manager) onReject(raw json.RawMessage) {
	c, ok := decode[proto.Control](proto.EventReject, raw)
	if !ok {
		return
	}
	m.mu.Lock()
	if !m.fromPeerLocked(c.FromUserID, c.ChatID) {
		m.mu.Unlock()
		return
	}
	reason := c.Reason
	if reason == "" {
		reason = "declined"
	}
	if reason == proto.ReasonBusy {
		m.opts.Notifier.Error("%s is busy", m.peerID)
	} else {
		m.opts.Notifier.Error("Call rejected")
	}
	m.opts.Metrics.CallRejected(reason)
	cleanup := m.teardownLocked(reason, false)
	m.mu.Unlock()
	cleanup()
}

func (m *Manager) onEnd(raw json.RawMessage) {
	c, ok := decode[proto.Control](proto.EventEnd, raw)
	if !ok {
		return
	}
	m.mu.Lock()
	if !m.fromPeerLocked(c.FromUserID, c.ChatID) {
		m.mu.Unlock()
		return
	}
	reason := c.Reason
	if reason == "" {
		reason = proto.ReasonEnded
	}
	m.opts.Notifier.Info("Call ended")
	cleanup := m.teardownLocked(reason, false)
	m.mu.Unlock()
	cleanup()
}
