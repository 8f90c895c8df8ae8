package group

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const (
	apiKey    = "devkey"
	apiSecret = "devsecret-devsecret-devsecret-00"
	roomURL   = "ws://livekit.test:7880"
)

type recordChannel struct {
	signaling.Table

	mu   sync.Mutex
	sent []proto.Envelope
}

func (c *recordChannel) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, proto.Envelope{Event: event, Data: data})
	c.mu.Unlock()
	return nil
}

func (c *recordChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.sent {
		out = append(out, e.Event)
	}
	return out
}

type fakeConference struct {
	mu           sync.Mutex
	joins        int
	leaves       int
	lastURL      string
	lastToken    string
	onDisconnect func()
	joinErr      error
	joined       map[string]bool
	// hook runs inside Join before it returns.
	hook func()
}

type fakeRoom struct {
	conf  *fakeConference
	token string
	once  sync.Once
}

func (f *fakeConference) Join(_ context.Context, url, token string, _ proto.CallType, onDisconnect func()) (Room, error) {
	f.mu.Lock()
	f.joins++
	f.lastURL, f.lastToken = url, token
	f.onDisconnect = onDisconnect
	hook, err := f.hook, f.joinErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.joined == nil {
		f.joined = make(map[string]bool)
	}
	f.joined[token] = true
	f.mu.Unlock()
	return &fakeRoom{conf: f, token: token}, nil
}

func (r *fakeRoom) Leave() error {
	r.once.Do(func() {
		r.conf.mu.Lock()
		r.conf.leaves++
		delete(r.conf.joined, r.token)
		r.conf.mu.Unlock()
	})
	return nil
}

// rooms is how many joined rooms have not been left.
func (f *fakeConference) rooms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joined)
}

func mintToken(t *testing.T, room string) string {
	t.Helper()
	at := auth.NewAccessToken(apiKey, apiSecret)
	at.AddGrant(&auth.VideoGrant{RoomJoin: true, Room: room}).
		SetIdentity("alice").
		SetValidFor(time.Hour)
	tok, err := at.ToJWT()
	require.NoError(t, err)
	return tok
}

// tokenServer issues tokens for whatever room is asked, or for grantRoom
// when set.
func tokenServer(t *testing.T, grantRoom string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rtc/token" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Not authorized for this chat"}`))
			return
		}
		var req proto.TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		room := req.RoomName
		if grantRoom != "" {
			room = grantRoom
		}
		_ = json.NewEncoder(w).Encode(proto.TokenResponse{Token: mintToken(t, room), URL: roomURL})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	sess  *Session
	ch    *recordChannel
	conf  *fakeConference
	notes *notify.Center
}

func newFixture(t *testing.T, baseURL, token string) *fixture {
	t.Helper()
	f := &fixture{ch: &recordChannel{}, conf: &fakeConference{}, notes: notify.NewCenter(16)}
	f.sess = New(Options{
		Signaling:  f.ch,
		Tokens:     &HTTPTokenClient{BaseURL: baseURL, Token: token},
		Conference: f.conf,
		Notifier:   f.notes,
	})
	return f
}

func TestStartGroupCallJoinsAndAnnounces(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")

	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallVideo))

	st := f.sess.State()
	assert.True(t, st.Open)
	assert.False(t, st.Connecting)
	assert.Equal(t, "chat-1", st.ChatID)
	assert.Equal(t, proto.CallVideo, st.Type)
	assert.Equal(t, roomURL, st.URL)

	assert.Equal(t, 1, f.conf.joins)
	assert.Equal(t, roomURL, f.conf.lastURL)
	assert.NoError(t, CheckRoomToken(f.conf.lastToken, "chat-1", time.Now()))
	assert.Equal(t, []string{proto.EventGroupStarted}, f.ch.events())

	var notice proto.GroupNotice
	require.NoError(t, json.Unmarshal(f.ch.sent[0].Data, &notice))
	assert.Equal(t, "chat-1", notice.ChatID)
	assert.Equal(t, proto.CallVideo, notice.Type)
}

func TestSecondStartIsRejectedWhileOpen(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")

	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	err := f.sess.StartGroupCall(context.Background(), "chat-2", proto.CallAudio)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.Equal(t, "chat-1", f.sess.State().ChatID)
	assert.Equal(t, 1, f.conf.joins)
}

func TestTokenFailureNeverJoins(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "wrong")

	err := f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio)
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	st := f.sess.State()
	assert.False(t, st.Open)
	assert.False(t, st.Connecting)
	assert.Equal(t, "Not authorized for this chat", st.Error)
	assert.Zero(t, f.conf.joins)
	assert.Empty(t, f.ch.events())

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, notify.LevelError, last.Level)
}

func TestUnreachableAPIUsesGenericError(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", "secret")
	require.Error(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	assert.Equal(t, defaultFailure, f.sess.State().Error)
	assert.Zero(t, f.conf.joins)
}

func TestTokenForOtherRoomNeverJoins(t *testing.T) {
	srv := tokenServer(t, "someone-elses-chat")
	f := newFixture(t, srv.URL, "secret")

	err := f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio)
	assert.ErrorIs(t, err, ErrTokenRoomMismatch)
	assert.Zero(t, f.conf.joins)
	assert.False(t, f.sess.State().Open)
}

func TestJoinFailureLeavesClosed(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")
	f.conf.joinErr = errors.New("dial failed")

	require.Error(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	st := f.sess.State()
	assert.False(t, st.Open)
	assert.Equal(t, defaultFailure, st.Error)
	assert.Empty(t, f.ch.events())
}

func TestEndGroupCall(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")

	// Nothing open: no notice, no leave.
	f.sess.EndGroupCall()
	assert.Empty(t, f.ch.events())
	assert.Zero(t, f.conf.leaves)

	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	f.sess.EndGroupCall()
	assert.Equal(t, State{}, f.sess.State())
	assert.Equal(t, 1, f.conf.leaves)
	assert.Equal(t, []string{proto.EventGroupStarted, proto.EventGroupEnded}, f.ch.events())

	f.sess.EndGroupCall()
	assert.Equal(t, 1, f.conf.leaves)
	assert.Len(t, f.ch.events(), 2)
}

func TestDisconnectEndsGroupCall(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")
	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))

	f.conf.onDisconnect()
	assert.False(t, f.sess.State().Open)
	assert.Equal(t, proto.EventGroupEnded, f.ch.events()[1])

	// A late disconnect from the old room does not end a newer call.
	stale := f.conf.onDisconnect
	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-2", proto.CallAudio))
	stale()
	assert.True(t, f.sess.State().Open)
	assert.Equal(t, "chat-2", f.sess.State().ChatID)
}

func TestEndWhileJoiningLeavesRoom(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")
	f.conf.hook = func() {
		assert.True(t, f.sess.State().Connecting)
		f.sess.EndGroupCall()
	}

	err := f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio)
	assert.ErrorIs(t, err, ErrEnded)
	assert.Equal(t, 1, f.conf.leaves)
	assert.Equal(t, State{}, f.sess.State())
	assert.Empty(t, f.ch.events())
	assert.Zero(t, f.conf.rooms())
}

func TestRestartWaitsForAbandonedJoin(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")
	var restartErr error
	f.conf.hook = func() {
		f.conf.hook = nil
		f.sess.EndGroupCall()
		restartErr = f.sess.StartGroupCall(context.Background(), "chat-2", proto.CallAudio)
	}

	err := f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio)
	assert.ErrorIs(t, err, ErrEnded)
	assert.ErrorIs(t, restartErr, ErrAlreadyOpen)
	assert.Equal(t, 1, f.conf.joins)
	assert.Zero(t, f.conf.rooms())

	// Once the abandoned join has resolved the next start goes through and
	// its room stays joined.
	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-2", proto.CallAudio))
	assert.Equal(t, 1, f.conf.rooms())
	assert.NoError(t, CheckRoomToken(f.conf.lastToken, "chat-2", time.Now()))
	assert.Equal(t, "chat-2", f.sess.State().ChatID)

	f.sess.EndGroupCall()
	assert.Zero(t, f.conf.rooms())
}

func TestStaleRoomLeaveKeepsNewerRoom(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")

	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	f.sess.EndGroupCall()
	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-2", proto.CallAudio))
	assert.Equal(t, 1, f.conf.rooms())

	// Ending again only leaves chat-2's room, once.
	f.sess.EndGroupCall()
	f.sess.EndGroupCall()
	assert.Zero(t, f.conf.rooms())
	assert.Equal(t, 2, f.conf.leaves)
}

func TestLiveKitConferenceRefusesSecondJoin(t *testing.T) {
	c := &LiveKitConference{}
	c.mu.Lock()
	c.busy = true
	c.mu.Unlock()

	_, err := c.Join(context.Background(), roomURL, mintToken(t, "r1"), proto.CallAudio, nil)
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	r := &liveKitRoom{conf: c}
	require.NoError(t, r.Leave())
	require.NoError(t, r.Leave())
	c.mu.Lock()
	assert.False(t, c.busy)
	c.mu.Unlock()
}

func TestSubscribeSeesConnectingThenOpen(t *testing.T) {
	srv := tokenServer(t, "")
	f := newFixture(t, srv.URL, "secret")
	ch, cancel := f.sess.Subscribe()
	defer cancel()

	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	first, second := <-ch, <-ch
	assert.True(t, first.Connecting)
	assert.True(t, second.Open)
}

func TestCheckRoomToken(t *testing.T) {
	now := time.Now()
	assert.NoError(t, CheckRoomToken(mintToken(t, "r1"), "r1", now))
	assert.ErrorIs(t, CheckRoomToken(mintToken(t, "r1"), "r2", now), ErrTokenRoomMismatch)
	assert.ErrorIs(t, CheckRoomToken(mintToken(t, "r1"), "r1", now.Add(2*time.Hour)), ErrTokenExpired)

	noGrant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte(apiSecret))
	require.NoError(t, err)
	assert.ErrorIs(t, CheckRoomToken(noGrant, "r1", now), ErrTokenRoomMismatch)

	assert.Error(t, CheckRoomToken("not-a-jwt", "r1", now))
}

func TestSetTokensUsedByNextStart(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", "secret")
	require.Error(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))

	srv := tokenServer(t, "")
	f.sess.SetTokens(&HTTPTokenClient{BaseURL: srv.URL, Token: "secret"})
	require.NoError(t, f.sess.StartGroupCall(context.Background(), "chat-1", proto.CallAudio))
	assert.True(t, f.sess.State().Open)
}
