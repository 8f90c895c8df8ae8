package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/group"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

type fakeCalls struct {
	log   []string
	state call.State
	err   error
	muted bool
}

func (f *fakeCalls) StartCall(_ context.Context, chatID, peerID string, typ proto.CallType) error {
	f.log = append(f.log, "start "+chatID+" "+peerID+" "+string(typ))
	return f.err
}

func (f *fakeCalls) AcceptCall(context.Context) error {
	f.log = append(f.log, "accept")
	return f.err
}

func (f *fakeCalls) RejectCall() error {
	f.log = append(f.log, "reject")
	return f.err
}

func (f *fakeCalls) EndCall(notify bool) {
	if notify {
		f.log = append(f.log, "end")
	}
}

func (f *fakeCalls) ToggleMute() bool {
	f.muted = !f.muted
	return f.muted
}

func (f *fakeCalls) ToggleCamera() bool {
	f.log = append(f.log, "camera")
	return true
}

func (f *fakeCalls) SwitchCamera(context.Context) error {
	f.log = append(f.log, "switch")
	return f.err
}

func (f *fakeCalls) State() call.State { return f.state }

type fakeGroups struct {
	log   []string
	state group.State
}

func (f *fakeGroups) StartGroupCall(_ context.Context, chatID string, typ proto.CallType) error {
	f.log = append(f.log, "start "+chatID+" "+string(typ))
	return nil
}

func (f *fakeGroups) EndGroupCall()      { f.log = append(f.log, "end") }
func (f *fakeGroups) State() group.State { return f.state }

func newConsole() (*Console, *fakeCalls, *fakeGroups, *bytes.Buffer) {
	calls, groups, out := &fakeCalls{}, &fakeGroups{}, &bytes.Buffer{}
	return &Console{Self: "me", Calls: calls, Groups: groups, Out: out}, calls, groups, out
}

func TestConsoleCallCommands(t *testing.T) {
	c, calls, _, _ := newConsole()
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "call bob"))
	require.NoError(t, c.Exec(ctx, "call alice video room-7"))
	require.NoError(t, c.Exec(ctx, "accept"))
	require.NoError(t, c.Exec(ctx, "reject"))
	require.NoError(t, c.Exec(ctx, "hangup"))
	require.NoError(t, c.Exec(ctx, "camera"))
	require.NoError(t, c.Exec(ctx, "switch"))
	require.NoError(t, c.Exec(ctx, "   "))

	assert.Equal(t, []string{
		"start dm:bob:me bob audio",
		"start room-7 alice video",
		"accept",
		"reject",
		"end",
		"camera",
		"switch",
	}, calls.log)
}

func TestConsoleErrors(t *testing.T) {
	c, calls, _, _ := newConsole()
	ctx := context.Background()

	assert.Error(t, c.Exec(ctx, "call"))
	assert.Error(t, c.Exec(ctx, "call bob hologram"))
	assert.Error(t, c.Exec(ctx, "dance"))
	assert.ErrorIs(t, c.Exec(ctx, "quit"), errQuit)

	calls.err = call.ErrBusy
	assert.ErrorIs(t, c.Exec(ctx, "call bob"), call.ErrBusy)
}

func TestConsoleMuteOutput(t *testing.T) {
	c, _, _, out := newConsole()
	require.NoError(t, c.Exec(context.Background(), "mute"))
	require.NoError(t, c.Exec(context.Background(), "mute"))
	assert.Equal(t, "microphone muted\nmicrophone live\n", out.String())
}

func TestConsoleGroupCommands(t *testing.T) {
	c, _, groups, _ := newConsole()
	ctx := context.Background()
	require.NoError(t, c.Exec(ctx, "group team video"))
	require.NoError(t, c.Exec(ctx, "leave"))
	assert.Error(t, c.Exec(ctx, "group"))
	assert.Equal(t, []string{"start team video", "end"}, groups.log)
}

func TestConsoleStatus(t *testing.T) {
	c, calls, groups, out := newConsole()
	calls.state = call.State{
		Status:     call.StatusRingingIncoming,
		CallType:   proto.CallVideo,
		PeerUserID: "bob",
		ChatID:     "c1",
		Incoming:   &call.IncomingCall{FromUserID: "bob"},
	}
	groups.state = group.State{Error: "Not authorized"}

	require.NoError(t, c.Exec(context.Background(), "status"))
	s := out.String()
	assert.Contains(t, s, "call:  ringing video with bob in c1")
	assert.Contains(t, s, "[incoming from bob]")
	assert.Contains(t, s, "group: closed (Not authorized)")
}

func TestConsoleLoopStopsOnQuit(t *testing.T) {
	c, calls, _, out := newConsole()
	calls.err = errors.New("boom")
	c.Loop(context.Background(), strings.NewReader("accept\nquit\naccept\n"))
	assert.Equal(t, []string{"accept"}, calls.log)
	assert.Contains(t, out.String(), "error: boom")
}

func TestDirectChatIDIsSymmetric(t *testing.T) {
	assert.Equal(t, directChatID("alice", "bob"), directChatID("bob", "alice"))
}

func TestNormalizeLocalAddr(t *testing.T) {
	addr, url := NormalizeLocalAddr(":9100")
	assert.Equal(t, "127.0.0.1:9100", addr)
	assert.Equal(t, "http://127.0.0.1:9100", url)

	addr, _ = NormalizeLocalAddr("0.0.0.0:9100")
	assert.Equal(t, "127.0.0.1:9100", addr)

	addr, _ = NormalizeLocalAddr("10.0.0.5:9100")
	assert.Equal(t, "10.0.0.5:9100", addr)
}

func TestApplyLogLevels(t *testing.T) {
	assert.NoError(t, ApplyLogLevels(config.Log{Level: "debug"}))
	assert.Error(t, ApplyLogLevels(config.Log{Level: "shouting"}))
	assert.NoError(t, ApplyLogLevels(config.Log{Level: "info"}))
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader("alice\nAlice A\n\n\n\ny\n30\n")
	var out bytes.Buffer
	cfg := PromptInteractive(in, &out, "/tmp/a", "/tmp/a/goopcall.json", config.Default())

	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "Alice A", cfg.Identity.DisplayName)
	assert.Equal(t, config.Default().Signaling.URL, cfg.Signaling.URL)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
}

func TestAgentStatusEndpoints(t *testing.T) {
	cfg := config.Default()
	a, err := newAgent(cfg, media.NewSyntheticCapture(1))
	require.NoError(t, err)
	defer a.shutdown()

	srv := httptest.NewServer(a.statusHandler())
	defer srv.Close()

	a.notes.Info("hello")

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	var view statusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, call.StatusIdle, view.Call.Status)
	assert.False(t, view.Group.Open)

	resp, err = http.Get(srv.URL + "/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestReloadAppliesAPIAndICESettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ice/twilio", r.URL.Path)
		assert.Equal(t, "Bearer rotated", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(proto.ICEResponse{ICEServers: []proto.RawICEServer{{URLs: "turn:reloaded.example:3478"}}})
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.API.BaseURL = "http://127.0.0.1:1"
	a, err := newAgent(cfg, media.NewSyntheticCapture(1))
	require.NoError(t, err)
	defer a.shutdown()
	require.NotEmpty(t, a.ice.Get(context.Background()))

	next := cfg
	next.API.BaseURL = srv.URL
	next.API.AuthToken = "rotated"
	a.reload(next)

	got := a.ice.Get(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, []string{"turn:reloaded.example:3478"}, got[0].URLs)
}
