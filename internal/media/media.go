// Package media is the boundary between the call controller and the
// platform media stack: local capture, device enumeration, and peer
// connections. The controller only sees the interfaces in this file;
// pion.go adapts them onto Pion, capture_*.go onto pion/mediadevices.
package media

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

var log = logging.Logger("media")

var (
	// ErrCaptureUnsupported is returned where no capture driver exists.
	ErrCaptureUnsupported = errors.New("media capture not supported on this platform")
	// ErrNoSuchDevice is returned when a requested device is not present.
	ErrNoSuchDevice = errors.New("no such media device")
	// ErrForeignTrack is returned when a track from another engine is used.
	ErrForeignTrack = errors.New("track not created by this engine")
)

// Constraints selects what GetUserMedia captures.
type Constraints struct {
	Audio bool
	Video bool
	// VideoDeviceID pins the camera. Empty picks the default.
	VideoDeviceID string
}

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string
	Label string
	Kind  webrtc.RTPCodecType
}

// LocalTrack is one captured track.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// DeviceID is the capture device feeding the track, if known.
	DeviceID() string
	Enabled() bool
	// SetEnabled mutes the track without renegotiation: a disabled audio
	// track sends silence, a disabled video track sends black frames.
	SetEnabled(on bool)
	Stop() error
}

// LocalStream is the set of tracks returned by one GetUserMedia call.
type LocalStream struct {
	Tracks []LocalTrack
}

// Audio returns the audio tracks of s.
func (s *LocalStream) Audio() []LocalTrack { return s.byKind(webrtc.RTPCodecTypeAudio) }

// Video returns the video tracks of s.
func (s *LocalStream) Video() []LocalTrack { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *LocalStream) byKind(k webrtc.RTPCodecType) []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. Safe on a nil stream.
func (s *LocalStream) Stop() error {
	if s == nil {
		return nil
	}
	var err error
	for _, t := range s.Tracks {
		err = multierr.Append(err, t.Stop())
	}
	return err
}

// Replace swaps old for repl in s.
func (s *LocalStream) Replace(old, repl LocalTrack) {
	for i, t := range s.Tracks {
		if t == old {
			s.Tracks[i] = repl
			return
		}
	}
	s.Tracks = append(s.Tracks, repl)
}

// RemoteTrack is an inbound track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Sender is the outbound side of one transceiver.
type Sender interface {
	Kind() webrtc.RTPCodecType
	Track() LocalTrack
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(t LocalTrack) error
}

// PeerConnection is the subset of a WebRTC peer connection the call
// controller drives.
type PeerConnection interface {
	AddTrack(t LocalTrack) (Sender, error)
	Senders() []Sender

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// DetachHandlers replaces every registered callback with a no-op.
	DetachHandlers()

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(d webrtc.SessionDescription) error
	SetRemoteDescription(d webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	StopTransceivers() error
	Close() error
}

// Capturer acquires local media.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
	EnumerateVideoInputs(ctx context.Context) ([]DeviceInfo, error)
}

// Engine is everything the call controller needs from the media stack.
type Engine interface {
	Capturer
	NewPeerConnection(servers []webrtc.ICEServer) (PeerConnection, error)
}
