package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

// ToggleMute flips the microphone and returns the new muted state. It never
// touches signaling. Without local media it is a no-op.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return m.muted
	}
	m.muted = !m.muted
	for _, t := range m.local.Audio() {
		t.SetEnabled(!m.muted)
	}
	log.Infof("CALL [%s]: muted=%v", m.chatID, m.muted)
	m.publishLocked()
	return m.muted
}

// ToggleCamera flips the camera and returns the new camera-off state.
func (m *Manager) ToggleCamera() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return m.cameraOff
	}
	m.cameraOff = !m.cameraOff
	for _, t := range m.local.Video() {
		t.SetEnabled(!m.cameraOff)
	}
	log.Infof("CALL [%s]: camera off=%v", m.chatID, m.cameraOff)
	m.publishLocked()
	return m.cameraOff
}

// SwitchCamera moves the outgoing video to the next camera in device order,
// replacing the sender's track in place. On any failure the session keeps
// its current camera.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	st := m.statusLocked()
	if (st != StatusActive && st != StatusConnecting) || m.pc == nil {
		m.mu.Unlock()
		m.opts.Notifier.Error("No active video call to switch camera")
		return ErrNotInCall
	}
	if m.callType != proto.CallVideo {
		m.mu.Unlock()
		m.opts.Notifier.Error("No active video call to switch camera")
		return ErrNotVideoCall
	}
	epoch := m.epoch.Load()
	current, chat := m.videoDeviceID, m.chatID
	m.mu.Unlock()

	devices, err := m.opts.Engine.EnumerateVideoInputs(ctx)
	if err != nil {
		m.opts.Notifier.Error("Camera switching is not supported")
		return fmt.Errorf("enumerate cameras: %w", err)
	}
	if len(devices) <= 1 {
		m.opts.Notifier.Error("No other camera available")
		return ErrNoOtherCamera
	}
	next := devices[nextDevice(devices, current)]

	stream, err := m.opts.Engine.GetUserMedia(ctx, media.Constraints{Video: true, VideoDeviceID: next.ID})
	if err != nil {
		m.opts.Notifier.Error("Unable to access the selected camera")
		return fmt.Errorf("open %s: %w", next.ID, err)
	}
	video := stream.Video()
	if len(video) == 0 {
		_ = stream.Stop()
		m.opts.Notifier.Error("Unable to access the selected camera")
		return fmt.Errorf("open %s: %w", next.ID, media.ErrNoSuchDevice)
	}
	repl := video[0]

	m.mu.Lock()
	if m.epoch.Load() != epoch || m.pc == nil {
		m.mu.Unlock()
		_ = stream.Stop()
		return ErrCallEnded
	}
	var sender media.Sender
	for _, s := range m.pc.Senders() {
		if s.Kind() == webrtc.RTPCodecTypeVideo && s.Track() != nil {
			sender = s
			break
		}
	}
	if sender == nil {
		m.mu.Unlock()
		_ = stream.Stop()
		m.opts.Notifier.Error("No video sender found for this call")
		return ErrNoVideoSender
	}

	old := sender.Track()
	repl.SetEnabled(!m.cameraOff)
	if err := sender.ReplaceTrack(repl); err != nil {
		m.mu.Unlock()
		_ = stream.Stop()
		m.opts.Notifier.Error("Failed to switch camera")
		return fmt.Errorf("replace track: %w", err)
	}
	m.local.Replace(old, repl)
	m.videoDeviceID = next.ID
	log.Infof("CALL [%s]: switched camera to %s", chat, next.ID)
	m.publishLocked()
	m.mu.Unlock()

	if err := old.Stop(); err != nil {
		log.Debugf("CALL [%s]: stop previous camera: %v", chat, err)
	}
	return nil
}

// nextDevice is the index after current, wrapping to 0. An unknown current
// device also yields 0.
func nextDevice(devices []media.DeviceInfo, current string) int {
	idx := -1
	for i, d := range devices {
		if d.ID == current {
			idx = i
			break
		}
	}
	if idx >= 0 && idx < len(devices)-1 {
		return idx + 1
	}
	return 0
}
