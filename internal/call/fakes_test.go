package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// fakeChannel records emits and lets tests inject inbound events.
type fakeChannel struct {
	signaling.Table

	mu   sync.Mutex
	sent []proto.Envelope
}

func (c *fakeChannel) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, proto.Envelope{Event: event, Data: data})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.Dispatch(event, data)
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Event)
	}
	return out
}

func (c *fakeChannel) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (c *fakeChannel) last(t *testing.T, event string, into any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			require.NoError(t, json.Unmarshal(c.sent[i].Data, into))
			return
		}
	}
	t.Fatalf("no %s emitted", event)
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	device string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) DeviceID() string          { return t.device }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeSender struct {
	kind       webrtc.RTPCodecType
	replaceErr error

	mu    sync.Mutex
	track media.LocalTrack
}

func (s *fakeSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSender) Track() media.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t media.LocalTrack) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

type fakePC struct {
	mu                  sync.Mutex
	senders             []*fakeSender
	remote              []webrtc.SessionDescription
	local               []webrtc.SessionDescription
	candidates          []webrtc.ICECandidateInit
	onCandidate         func(webrtc.ICECandidateInit)
	onTrack             func(media.RemoteTrack)
	detached            bool
	transceiversStopped bool
	closed              bool
	offerErr            error
}

func (p *fakePC) AddTrack(t media.LocalTrack) (media.Sender, error) {
	s := &fakeSender{kind: t.Kind(), track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakePC) Senders() []media.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (p *fakePC) DetachHandlers() {
	p.mu.Lock()
	p.detached = true
	p.onCandidate = func(webrtc.ICECandidateInit) {}
	p.onTrack = func(media.RemoteTrack) {}
	p.mu.Unlock()
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = append(p.local, d)
	p.mu.Unlock()
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = append(p.remote, d)
	p.mu.Unlock()
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePC) StopTransceivers() error {
	p.mu.Lock()
	p.transceiversStopped = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) fireCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(c)
}

func (p *fakePC) fireTrack(t media.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePC) videoSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.kind == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

type fakeRemote struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (r fakeRemote) ID() string                { return r.id }
func (r fakeRemote) StreamID() string          { return r.stream }
func (r fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }

// fakeEngine hands out fakeTracks and fakePCs. gate, when set, blocks
// GetUserMedia until it is closed.
type fakeEngine struct {
	mu       sync.Mutex
	cams     []media.DeviceInfo
	mediaErr error
	gate     chan struct{}
	entered  chan struct{}
	pcs      []*fakePC
	tracks   []*fakeTrack
	gums     int
	nextID   int
	offerErr error
}

func newFakeEngine(cams ...string) *fakeEngine {
	e := &fakeEngine{}
	for _, id := range cams {
		e.cams = append(e.cams, media.DeviceInfo{ID: id, Label: id, Kind: webrtc.RTPCodecTypeVideo})
	}
	return e
}

func (e *fakeEngine) GetUserMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	e.mu.Lock()
	e.gums++
	gate, entered := e.gate, e.entered
	err := e.mediaErr
	e.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := &media.LocalStream{}
	if c.Audio {
		s.Tracks = append(s.Tracks, e.newTrackLocked(webrtc.RTPCodecTypeAudio, "mic"))
	}
	if c.Video {
		dev := c.VideoDeviceID
		if dev == "" {
			if len(e.cams) == 0 {
				return nil, media.ErrNoSuchDevice
			}
			dev = e.cams[0].ID
		}
		s.Tracks = append(s.Tracks, e.newTrackLocked(webrtc.RTPCodecTypeVideo, dev))
	}
	return s, nil
}

func (e *fakeEngine) newTrackLocked(kind webrtc.RTPCodecType, dev string) *fakeTrack {
	e.nextID++
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", kind, e.nextID), kind: kind, device: dev, enabled: true}
	e.tracks = append(e.tracks, t)
	return t
}

func (e *fakeEngine) EnumerateVideoInputs(ctx context.Context) ([]media.DeviceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.DeviceInfo(nil), e.cams...), nil
}

func (e *fakeEngine) NewPeerConnection([]webrtc.ICEServer) (media.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := &fakePC{offerErr: e.offerErr}
	e.pcs = append(e.pcs, pc)
	return pc, nil
}

func (e *fakeEngine) lastPC(t *testing.T) *fakePC {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.pcs, "no peer connection created")
	return e.pcs[len(e.pcs)-1]
}

func (e *fakeEngine) gumCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gums
}

type fakeICE struct{}

func (fakeICE) Get(context.Context) []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
}

type fakeRinger struct {
	mu      sync.Mutex
	playing bool
	starts  int
}

func (r *fakeRinger) Start() {
	r.mu.Lock()
	if !r.playing {
		r.starts++
	}
	r.playing = true
	r.mu.Unlock()
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	r.playing = false
	r.mu.Unlock()
}

func (r *fakeRinger) isPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
	errs []string
}

func (n *fakeNotifier) Info(f string, a ...any)    { n.add(false, f, a...) }
func (n *fakeNotifier) Success(f string, a ...any) { n.add(false, f, a...) }
func (n *fakeNotifier) Error(f string, a ...any)   { n.add(true, f, a...) }

func (n *fakeNotifier) add(isErr bool, f string, a ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg := fmt.Sprintf(f, a...)
	n.msgs = append(n.msgs, msg)
	if isErr {
		n.errs = append(n.errs, msg)
	}
}

func (n *fakeNotifier) errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errs...)
}

type harness struct {
	m      *Manager
	sig    *fakeChannel
	engine *fakeEngine
	ringer *fakeRinger
	notes  *fakeNotifier
}

func newHarness(t *testing.T, cams ...string) *harness {
	t.Helper()
	if len(cams) == 0 {
		cams = []string{"cam-front"}
	}
	h := &harness{
		sig:    &fakeChannel{},
		engine: newFakeEngine(cams...),
		ringer: &fakeRinger{},
		notes:  &fakeNotifier{},
	}
	h.m = New(Options{
		Self:      "bob",
		Signaling: h.sig,
		Engine:    h.engine,
		ICE:       fakeICE{},
		Ringer:    h.ringer,
		Notifier:  h.notes,
	})
	require.NoError(t, h.m.Listen())
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) invite(t *testing.T, from, chat string, typ proto.CallType) {
	t.Helper()
	h.sig.deliver(t, proto.EventIncoming, proto.Incoming{ChatID: chat, FromUserID: from, FromUserName: from, Type: typ, Timestamp: 1})
}

// connected brings the manager into an accepted video call with alice.
func (h *harness) connected(t *testing.T) *fakePC {
	t.Helper()
	h.invite(t, "alice", "chat-1", proto.CallVideo)
	h.sig.deliver(t, proto.EventOffer, proto.Description{ChatID: "chat-1", FromUserID: "alice", SDP: offerSDP})
	require.NoError(t, h.m.AcceptCall(context.Background()))
	pc := h.engine.lastPC(t)
	pc.fireTrack(fakeRemote{id: "a1", stream: "s1", kind: webrtc.RTPCodecTypeAudio})
	pc.fireTrack(fakeRemote{id: "v1", stream: "s1", kind: webrtc.RTPCodecTypeVideo})
	require.Equal(t, StatusActive, h.m.State().Status)
	return pc
}

var offerSDP = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}

var errDenied = errors.New("permission denied")
