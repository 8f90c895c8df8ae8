package call

import (
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/ice"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/ringtone"
	"github.com/petervdpas/goopcall/internal/signaling"
)

var (
	ErrBusy           = errors.New("already in a call")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNotInCall      = errors.New("no active call")
	ErrNotVideoCall   = errors.New("not a video call")
	ErrNoOtherCamera  = errors.New("no other camera available")
	ErrNoVideoSender  = errors.New("no video sender found for this call")
	ErrCallEnded      = errors.New("call ended while the operation was in progress")
	ErrClosed         = errors.New("call manager closed")
)

// Status of the single call session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusInviting        Status = "inviting"
	StatusRingingIncoming Status = "ringing"
	StatusConnecting      Status = "connecting"
	// StatusActive is never stored: it is reported while a call holds both
	// local media and a remote stream.
	StatusActive Status = "active"
	// StatusEnded is published once per teardown, just before Idle.
	StatusEnded Status = "ended"
)

// IncomingCall is the pending invitation shown to the user.
type IncomingCall struct {
	ChatID         string         `json:"chatId"`
	FromUserID     string         `json:"fromUserId"`
	FromUserName   string         `json:"fromUserName,omitempty"`
	FromUserAvatar string         `json:"fromUserAvatar,omitempty"`
	Type           proto.CallType `json:"type"`
	Timestamp      int64          `json:"timestamp"`
}

// RemoteStream collects the inbound tracks of one remote media stream.
type RemoteStream struct {
	ID     string
	Tracks []media.RemoteTrack
}

// State is a value snapshot of the session.
type State struct {
	Status            Status         `json:"status"`
	CallType          proto.CallType `json:"callType,omitempty"`
	PeerUserID        string         `json:"peerUserId,omitempty"`
	ChatID            string         `json:"chatId,omitempty"`
	LocalTracks       int            `json:"localTracks"`
	RemoteTracks      int            `json:"remoteTracks"`
	Muted             bool           `json:"muted"`
	CameraOff         bool           `json:"cameraOff"`
	VideoDeviceID     string         `json:"videoDeviceId,omitempty"`
	Incoming          *IncomingCall  `json:"incoming,omitempty"`
	PendingOffer      bool           `json:"pendingOffer"`
	PendingCandidates int            `json:"pendingCandidates"`
	// EndReason is set on the StatusEnded snapshot.
	EndReason string `json:"endReason,omitempty"`
}

// HasLocalStream reports whether local media is held.
func (s State) HasLocalStream() bool { return s.LocalTracks > 0 }

// Options wires a Manager to its collaborators. Self, Signaling, Engine
// and ICE are required.
type Options struct {
	Self      string
	Signaling signaling.Channel
	Engine    media.Engine
	ICE       ice.Source
	Ringer    ringtone.Ringer
	Notifier  notify.Notifier
	Metrics   metrics.Collector
	// RingTimeout, when positive, ends unanswered invites in both directions.
	RingTimeout time.Duration
}

type noRinger struct{}

func (noRinger) Start() {}
func (noRinger) Stop()  {}
