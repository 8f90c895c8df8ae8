package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// pionTrack is implemented by every LocalTrack this package creates.
type pionTrack interface {
	LocalTrack
	TrackLocal() webrtc.TrackLocal
}

// codecPopulator lets a capturer register the codecs its encoders emit.
type codecPopulator interface {
	Populate(m *webrtc.MediaEngine) error
}

// PionOptions configures NewPionEngine.
type PionOptions struct {
	Capture Capturer
	// OnRemoteRTP is called with the size of every inbound RTP packet.
	OnRemoteRTP func(kind webrtc.RTPCodecType, n int)
	// ICE timeouts; zero values use 30s/120s/2s.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// PionEngine builds Pion peer connections and delegates capture.
type PionEngine struct {
	api     *webrtc.API
	capture Capturer
	onRTP   func(webrtc.RTPCodecType, int)
}

// NewPionEngine builds the WebRTC API: codecs from the capturer when it
// brings encoders, Pion defaults otherwise, plus the default interceptors.
func NewPionEngine(opts PionOptions) (*PionEngine, error) {
	if opts.Capture == nil {
		opts.Capture = NewSyntheticCapture(1)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if p, ok := opts.Capture.(codecPopulator); ok {
		if err := p.Populate(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	disc, failed, keep := opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval
	if disc <= 0 {
		disc = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keep <= 0 {
		keep = 2 * time.Second
	}
	// Relay paths can stall for seconds during failover; short ICE
	// timeouts would end the call on every hiccup.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disc, failed, keep)

	return &PionEngine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		capture: opts.Capture,
		onRTP:   opts.OnRemoteRTP,
	}, nil
}

func (e *PionEngine) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	return e.capture.GetUserMedia(ctx, c)
}

func (e *PionEngine) EnumerateVideoInputs(ctx context.Context) ([]DeviceInfo, error) {
	return e.capture.EnumerateVideoInputs(ctx)
}

func (e *PionEngine) NewPeerConnection(servers []webrtc.ICEServer) (PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	return &pionPC{pc: pc, onRTP: e.onRTP}, nil
}

type pionPC struct {
	pc    *webrtc.PeerConnection
	onRTP func(webrtc.RTPCodecType, int)

	mu      sync.Mutex
	senders []*pionSender
}

func (p *pionPC) AddTrack(t LocalTrack) (Sender, error) {
	pt, ok := t.(pionTrack)
	if !ok {
		return nil, ErrForeignTrack
	}
	rs, err := p.pc.AddTrack(pt.TrackLocal())
	if err != nil {
		return nil, err
	}
	// Read incoming RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rs.Read(buf); err != nil {
				return
			}
		}
	}()

	s := &pionSender{rs: rs, kind: t.Kind(), track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *pionPC) Senders() []Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *pionPC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPC) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a key frame so the first picture does not wait for
			// the sender's next periodic one.
			if err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			}); err != nil {
				log.Debugf("MEDIA: PLI for %s failed: %v", tr.ID(), err)
			}
		}
		go p.drain(tr)
		fn(tr)
	})
}

// drain consumes inbound RTP so receive buffers never fill.
func (p *pionPC) drain(tr *webrtc.TrackRemote) {
	for {
		var (
			pkt *rtp.Packet
			err error
		)
		pkt, _, err = tr.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("MEDIA: remote %s track closed: %v", tr.Kind(), err)
			}
			return
		}
		if p.onRTP != nil {
			p.onRTP(tr.Kind(), pkt.MarshalSize())
		}
	}
}

func (p *pionPC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPC) DetachHandlers() {
	p.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	p.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	p.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
}

func (p *pionPC) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPC) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPC) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPC) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPC) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPC) StopTransceivers() error {
	var err error
	for _, tr := range p.pc.GetTransceivers() {
		err = multierr.Append(err, tr.Stop())
	}
	return err
}

func (p *pionPC) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	rs   *webrtc.RTPSender
	kind webrtc.RTPCodecType

	mu    sync.Mutex
	track LocalTrack
}

func (s *pionSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *pionSender) Track() LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *pionSender) ReplaceTrack(t LocalTrack) error {
	pt, ok := t.(pionTrack)
	if !ok {
		return ErrForeignTrack
	}
	if err := s.rs.ReplaceTrack(pt.TrackLocal()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// TrackLocalOf returns the Pion track behind t, for handing local media to
// other WebRTC clients.
func TrackLocalOf(t LocalTrack) (webrtc.TrackLocal, bool) {
	pt, ok := t.(pionTrack)
	if !ok {
		return nil, false
	}
	return pt.TrackLocal(), true
}
