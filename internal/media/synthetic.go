package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticTrack is a Pion sample track with no capture device behind it.
// The synthetic capturer hands them out so calls can be negotiated on
// machines without cameras or microphones.
type StaticTrack struct {
	tl       *webrtc.TrackLocalStaticSample
	deviceID string
	enabled  atomic.Bool

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewStaticTrack returns an enabled VP8 or Opus track.
func NewStaticTrack(kind webrtc.RTPCodecType, deviceID string) (*StaticTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}
	tl, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), "goopcall")
	if err != nil {
		return nil, err
	}
	t := &StaticTrack{tl: tl, deviceID: deviceID}
	t.enabled.Store(true)
	return t, nil
}

func (t *StaticTrack) ID() string                    { return t.tl.ID() }
func (t *StaticTrack) Kind() webrtc.RTPCodecType     { return t.tl.Kind() }
func (t *StaticTrack) DeviceID() string              { return t.deviceID }
func (t *StaticTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *StaticTrack) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *StaticTrack) TrackLocal() webrtc.TrackLocal { return t.tl }

// Stopped reports whether Stop has been called.
func (t *StaticTrack) Stopped() bool { return t.stopped.Load() }

func (t *StaticTrack) Stop() error {
	t.stopOnce.Do(func() { t.stopped.Store(true) })
	return nil
}

// SyntheticCapture produces StaticTracks and reports a fixed number of
// virtual cameras.
type SyntheticCapture struct {
	cameras []DeviceInfo
}

// NewSyntheticCapture reports n virtual cameras named synthetic-0..n-1.
func NewSyntheticCapture(n int) *SyntheticCapture {
	c := &SyntheticCapture{}
	for i := 0; i < n; i++ {
		c.cameras = append(c.cameras, DeviceInfo{
			ID:    fmt.Sprintf("synthetic-%d", i),
			Label: fmt.Sprintf("Synthetic camera %d", i),
			Kind:  webrtc.RTPCodecTypeVideo,
		})
	}
	return c
}

func (c *SyntheticCapture) EnumerateVideoInputs(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]DeviceInfo(nil), c.cameras...), nil
}

func (c *SyntheticCapture) GetUserMedia(ctx context.Context, cons Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &LocalStream{}
	if cons.Audio {
		t, err := NewStaticTrack(webrtc.RTPCodecTypeAudio, "synthetic-mic")
		if err != nil {
			return nil, err
		}
		s.Tracks = append(s.Tracks, t)
	}
	if cons.Video {
		dev, err := c.pick(cons.VideoDeviceID)
		if err != nil {
			_ = s.Stop()
			return nil, err
		}
		t, err := NewStaticTrack(webrtc.RTPCodecTypeVideo, dev)
		if err != nil {
			_ = s.Stop()
			return nil, err
		}
		s.Tracks = append(s.Tracks, t)
	}
	return s, nil
}

func (c *SyntheticCapture) pick(id string) (string, error) {
	if len(c.cameras) == 0 {
		return "", ErrNoSuchDevice
	}
	if id == "" {
		return c.cameras[0].ID, nil
	}
	for _, d := range c.cameras {
		if d.ID == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoSuchDevice, id)
}
