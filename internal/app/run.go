package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/group"
	"github.com/petervdpas/goopcall/internal/ice"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/rendezvous"
	"github.com/petervdpas/goopcall/internal/ringtone"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	// In and Out carry the console; nil In runs without one until ctx ends.
	In  io.Reader
	Out io.Writer
	// Capture overrides device capture, mainly for tests.
	Capture media.Capturer
}

// agent is everything one running client owns.
type agent struct {
	cfg     config.Config
	notes   *notify.Center
	metrics *metrics.PrometheusCollector
	ws      *signaling.WSClient
	ice     *ice.Provider
	ringer  *ringtone.Controller
	calls   *call.Manager
	group   *group.Session
}

// Run starts the call agent and blocks until ctx ends or the console quits.
func Run(ctx context.Context, opt Options) error {
	if opt.Out == nil {
		opt.Out = os.Stdout
	}
	cfg := opt.Cfg
	if err := ApplyLogLevels(cfg.Log); err != nil {
		log.Warnf("%v", err)
	}
	logBanner(opt.Out, opt.Dir, opt.CfgPath, cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newAgent(cfg, opt.Capture)
	if err != nil {
		return err
	}
	// Signaling outlives ctx so shutdown can still flush call:end; Close in
	// shutdown is what stops it.
	wsCtx, wsCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer wsCancel()
	defer a.shutdown()

	go func() {
		if err := a.ws.Run(wsCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("signaling stopped: %v", err)
		}
	}()
	go a.printNotifications(ctx, opt.Out)

	if cfg.Metrics.Addr != "" {
		if err := a.serveStatus(ctx, cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("status listener: %w", err)
		}
	}

	if opt.CfgPath != "" {
		go func() {
			if err := config.Watch(ctx, opt.CfgPath, a.reload); err != nil {
				log.Warnf("config watch: %v", err)
			}
		}()
	}

	if opt.In == nil {
		<-ctx.Done()
		return nil
	}
	con := &Console{Self: cfg.Identity.UserID, Calls: a.calls, Groups: a.group, Out: opt.Out}
	fmt.Fprintln(opt.Out, "type help for commands")
	con.Loop(ctx, opt.In)
	return nil
}

func newAgent(cfg config.Config, capture media.Capturer) (*agent, error) {
	a := &agent{
		cfg:     cfg,
		notes:   notify.NewCenter(200),
		metrics: metrics.NewPrometheusCollector(),
	}

	self := signaling.Identity{
		UserID: cfg.Identity.UserID,
		Name:   cfg.Identity.DisplayName,
		Avatar: cfg.Identity.Avatar,
	}
	ws, err := signaling.NewWSClient(cfg.Signaling.URL, self, cfg.API.AuthToken)
	if err != nil {
		return nil, err
	}
	ws.OnConnect = func(up bool) {
		if up {
			log.Infof("signaling connected to %s", cfg.Signaling.URL)
		} else {
			log.Warnf("signaling disconnected, reconnecting")
		}
	}
	a.ws = ws

	a.ice = ice.New(iceOptions(cfg))

	if capture == nil {
		capture, err = media.NewDeviceCapture(cfg.Call.PreferredCamera)
		if err != nil {
			log.Warnf("device capture unavailable (%v), using synthetic media", err)
			capture = media.NewSyntheticCapture(2)
		}
	}
	onRTP := func(kind webrtc.RTPCodecType, n int) { a.metrics.RemoteRTP(kind.String(), n) }
	engine, err := media.NewPionEngine(media.PionOptions{Capture: capture, OnRemoteRTP: onRTP})
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	a.ringer = ringtone.New(ringtone.Bell{W: os.Stderr}, time.Duration(cfg.Call.RingtoneInterval)*time.Millisecond)

	a.calls = call.New(call.Options{
		Self:        cfg.Identity.UserID,
		Signaling:   ws,
		Engine:      engine,
		ICE:         a.ice,
		Ringer:      a.ringer,
		Notifier:    a.notes,
		Metrics:     a.metrics,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	if err := a.calls.Listen(); err != nil {
		return nil, err
	}

	a.group = group.New(group.Options{
		Signaling:  ws,
		Tokens:     &group.HTTPTokenClient{BaseURL: cfg.API.BaseURL, Token: cfg.API.AuthToken},
		Conference: &group.LiveKitConference{Capture: capture, OnRemoteRTP: onRTP},
		Notifier:   a.notes,
		Metrics:    a.metrics,
	})
	return a, nil
}

func (a *agent) shutdown() {
	a.calls.EndCall(true)
	a.group.EndGroupCall()
	a.calls.Close()
	a.ringer.Stop()
	if err := a.ws.Close(); err != nil {
		log.Warnf("close signaling: %v", err)
	}
}

func iceOptions(cfg config.Config) ice.Options {
	return ice.Options{
		BaseURL:  cfg.API.BaseURL,
		Token:    cfg.API.AuthToken,
		TTL:      time.Duration(cfg.ICE.TTLMinutes) * time.Minute,
		Fallback: cfg.ICE.FallbackURLs,
	}
}

// reload applies the settings that can change while running: log levels,
// the API base URL and token, and the ICE cache options. Identity and the
// signaling URL need a restart.
func (a *agent) reload(cfg config.Config) {
	if err := ApplyLogLevels(cfg.Log); err != nil {
		log.Warnf("%v", err)
	}
	a.ice.Reconfigure(iceOptions(cfg))
	a.group.SetTokens(&group.HTTPTokenClient{BaseURL: cfg.API.BaseURL, Token: cfg.API.AuthToken})
	if cfg.Signaling.URL != a.cfg.Signaling.URL || cfg.Identity != a.cfg.Identity {
		log.Warnf("signaling and identity changes apply after restart")
	}
}

func (a *agent) printNotifications(ctx context.Context, out io.Writer) {
	ch, cancel := a.notes.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(out, "\n[%s] %s\n", e.Level, e.Msg)
		}
	}
}

type statusView struct {
	Call  call.State  `json:"call"`
	Group group.State `json:"group"`
}

func (a *agent) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/notifications", a.notes.ServeJSON)
	mux.HandleFunc("/notifications/stream", a.notes.ServeSSE)
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(statusView{Call: a.calls.State(), Group: a.group.State()})
	})
	return mux
}

func (a *agent) serveStatus(ctx context.Context, cfgAddr string) error {
	addr, url := NormalizeLocalAddr(cfgAddr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.statusHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("status server error: %v", err)
		}
	}()
	log.Infof("status and metrics on %s", url)
	return nil
}

// RunRelay serves the development relay until ctx ends.
func RunRelay(ctx context.Context, cfg config.Config) error {
	if err := ApplyLogLevels(cfg.Log); err != nil {
		log.Warnf("%v", err)
	}
	rv := rendezvous.New(cfg.Relay, metrics.NewPrometheusCollector())
	if err := rv.Start(ctx); err != nil {
		return err
	}
	log.Infof("relay ready: ws %s/ws", rv.URL())
	if cfg.Relay.LiveKitAPIKey == "" {
		log.Warnf("livekit credentials not set, /rtc/token will refuse group calls")
	}
	<-ctx.Done()
	return nil
}
