// Package rendezvous is a development relay for the call agent: it carries
// signaling between connected users, serves ICE servers and issues LiveKit
// room tokens.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/livekit/protocol/auth"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("rendezvous")

type Server struct {
	cfg     config.Relay
	metrics metrics.Collector
	hub     *hub
	up      websocket.Upgrader

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// New builds a relay. m may be nil.
func New(cfg config.Relay, m metrics.Collector) *Server {
	if m == nil {
		m = metrics.Noop{}
	}
	s := &Server{cfg: cfg, metrics: m, hub: newHub(m), addr: cfg.Addr}
	s.up = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the relay's routes behind CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ice/twilio", s.handleICE)
	mux.HandleFunc("/rtc/token", s.handleToken)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay server error: %v", err)
		}
	}()
	log.Infof("RELAY: listening on %s", s.URL())
	return nil
}

func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "http://" + s.addr
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*")
}

// handleWS authenticates by the user query parameter. This relay trusts
// whatever identity the client claims.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, err := util.ValidateUserID(q.Get("user"))
	if err != nil {
		http.Error(w, "user: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("RELAY [%s]: upgrade failed: %v", user, err)
		return
	}

	id := q.Get("session")
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		hub:  s.hub,
		conn: conn,
		id:   id,
		who: signaling.Identity{
			UserID: user,
			Name:   strings.TrimSpace(q.Get("name")),
			Avatar: strings.TrimSpace(q.Get("avatar")),
		},
		send:    make(chan []byte, sendBufferSize),
		limiter: s.limiter(),
	}
	s.hub.add(c)
	go c.writePump()
	go c.readPump()
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := proto.ICEResponse{ICEServers: make([]proto.RawICEServer, 0, len(s.cfg.ICEServers))}
	for _, e := range s.cfg.ICEServers {
		resp.ICEServers = append(resp.ICEServers, proto.RawICEServer{
			URLs:       e.URLs,
			Username:   e.Username,
			Credential: e.Credential,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleToken issues a LiveKit room token. The caller's identity is the
// bearer credential, or a generated guest id when none is sent.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.LiveKitAPIKey == "" || s.cfg.LiveKitAPISecret == "" {
		writeError(w, http.StatusServiceUnavailable, "Group calls are not configured on this server")
		return
	}
	var req proto.TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || strings.TrimSpace(req.RoomName) == "" {
		writeError(w, http.StatusBadRequest, "roomName is required")
		return
	}

	identity := participantIdentity(r.Header.Get("Authorization"))
	valid := time.Duration(s.cfg.TokenValidMin) * time.Minute
	if valid <= 0 {
		valid = time.Hour
	}

	at := auth.NewAccessToken(s.cfg.LiveKitAPIKey, s.cfg.LiveKitAPISecret)
	at.AddGrant(&auth.VideoGrant{RoomJoin: true, Room: req.RoomName}).
		SetIdentity(identity).
		SetValidFor(valid)
	token, err := at.ToJWT()
	if err != nil {
		log.Errorf("RELAY: sign room token: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	log.Infof("RELAY [%s]: token for room %s", identity, req.RoomName)
	writeJSON(w, http.StatusOK, proto.TokenResponse{Token: token, URL: s.cfg.LiveKitURL})
}

// participantIdentity names the room participant for a bearer credential.
// Room members see the identity, so it is a name-based UUID of the
// credential rather than the credential itself. The same credential always
// maps to the same identity.
func participantIdentity(authorization string) string {
	cred := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if cred == "" {
		return "guest-" + uuid.NewString()
	}
	return "user-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(cred)).String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
