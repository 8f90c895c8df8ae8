//go:build linux

package media

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
)

// DeviceCapture captures from real cameras and microphones (V4L2 and
// malgo) and encodes VP8 and Opus.
type DeviceCapture struct {
	selector  *mediadevices.CodecSelector
	preferred string
}

// NewDeviceCapture prepares the encoders. preferredCamera, if set, is used
// whenever no device is pinned.
func NewDeviceCapture(preferredCamera string) (Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		preferred: preferredCamera,
	}, nil
}

// Populate registers the encoder codecs on m.
func (c *DeviceCapture) Populate(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *DeviceCapture) EnumerateVideoInputs(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, DeviceInfo{ID: d.DeviceID, Label: d.Label, Kind: webrtc.RTPCodecTypeVideo})
	}
	return out, nil
}

func (c *DeviceCapture) GetUserMedia(ctx context.Context, cons Constraints) (*LocalStream, error) {
	deviceID := cons.VideoDeviceID
	if cons.Video && deviceID == "" {
		cams, err := c.EnumerateVideoInputs(ctx)
		if err != nil {
			return nil, err
		}
		if len(cams) == 0 {
			return nil, fmt.Errorf("%w: no camera", ErrNoSuchDevice)
		}
		deviceID = cams[0].ID
		for _, cam := range cams {
			if cam.ID == c.preferred {
				deviceID = cam.ID
			}
		}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if cons.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.StringExact(deviceID)
			// Raw formats only: some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if cons.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		ch <- result{s, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		// Release whatever the driver opens after we gave up.
		go func() {
			if late := <-ch; late.err == nil {
				for _, t := range late.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("getUserMedia: %w", r.err)
	}

	out := &LocalStream{}
	for _, t := range r.stream.GetTracks() {
		dt := &deviceTrack{t: t}
		dt.enabled.Store(true)
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			dt.deviceID = deviceID
		}
		dt.installMute()
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("MEDIA: local %s track ended: %v", t.Kind(), err)
			}
		})
		out.Tracks = append(out.Tracks, dt)
	}
	log.Infof("MEDIA: captured %d tracks (audio=%v video=%v device=%q)", len(out.Tracks), cons.Audio, cons.Video, deviceID)
	return out, nil
}

type deviceTrack struct {
	t        mediadevices.Track
	deviceID string
	enabled  atomic.Bool
	stopOnce sync.Once
}

func (d *deviceTrack) ID() string                    { return d.t.ID() }
func (d *deviceTrack) Kind() webrtc.RTPCodecType     { return d.t.Kind() }
func (d *deviceTrack) DeviceID() string              { return d.deviceID }
func (d *deviceTrack) Enabled() bool                 { return d.enabled.Load() }
func (d *deviceTrack) SetEnabled(on bool)            { d.enabled.Store(on) }
func (d *deviceTrack) TrackLocal() webrtc.TrackLocal { return d.t }

func (d *deviceTrack) Stop() error {
	var err error
	d.stopOnce.Do(func() { err = d.t.Close() })
	return err
}

// installMute puts a transform in front of the encoder that replaces
// frames with black or silence while the track is disabled.
func (d *deviceTrack) installMute() {
	switch tr := d.t.(type) {
	case *mediadevices.VideoTrack:
		tr.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || d.enabled.Load() {
					return img, release, err
				}
				black := blackFrame(img.Bounds())
				if release != nil {
					release()
				}
				return black, func() {}, nil
			})
		})
	case *mediadevices.AudioTrack:
		tr.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || d.enabled.Load() {
					return chunk, release, err
				}
				silence(chunk)
				return chunk, release, nil
			})
		})
	}
}

func blackFrame(b image.Rectangle) image.Image {
	img := image.NewYCbCr(b, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}

func silence(chunk wave.Audio) {
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		clear(a.Data)
	case *wave.Float32Interleaved:
		clear(a.Data)
	}
}
