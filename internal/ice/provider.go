// Package ice retrieves STUN/TURN server configuration from the API and
// caches it for a fixed window, falling back to public STUN when the API
// cannot deliver.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("ice")

// DefaultTTL is how long a fetched configuration is reused.
const DefaultTTL = 50 * time.Minute

// DefaultFallback is used whenever the API yields nothing usable.
var DefaultFallback = []string{"stun:stun.l.google.com:19302"}

// Source is what the call controller needs from a provider.
type Source interface {
	Get(ctx context.Context) []webrtc.ICEServer
}

type Options struct {
	// BaseURL of the API; the provider requests BaseURL + "/ice/twilio".
	BaseURL string
	// Token, if set, is sent as a bearer credential.
	Token    string
	TTL      time.Duration
	Fallback []string
	Client   *http.Client
	Now      func() time.Time
}

// Provider is safe for concurrent use. Concurrent callers during a fetch
// share its result.
type Provider struct {
	opts Options

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	fetchedAt time.Time
	gen       uint64
	inflight  *fetch
	fetches   int
}

type fetch struct {
	done    chan struct{}
	servers []webrtc.ICEServer
}

// New returns a provider with zero-valued options filled in.
func New(opts Options) *Provider {
	return &Provider{opts: withDefaults(opts)}
}

func withDefaults(opts Options) Options {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if len(opts.Fallback) == 0 {
		opts.Fallback = DefaultFallback
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: util.DefaultFetchTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return opts
}

// Reconfigure swaps in new options and drops the cache, so the next Get
// fetches from the new endpoint. A nil Client or Now keeps the current one.
func (p *Provider) Reconfigure(opts Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if opts.Client == nil {
		opts.Client = p.opts.Client
	}
	if opts.Now == nil {
		opts.Now = p.opts.Now
	}
	p.opts = withDefaults(opts)
	p.invalidateLocked()
}

// Get returns the ICE servers to configure a peer connection with. It never
// fails: any problem yields the fallback, which is then cached like a
// successful answer so a broken API is asked at most once per TTL window.
func (p *Provider) Get(ctx context.Context) []webrtc.ICEServer {
	p.mu.Lock()
	opts := p.opts
	if p.cached != nil && opts.Now().Sub(p.fetchedAt) < opts.TTL {
		out := clone(p.cached)
		p.mu.Unlock()
		return out
	}
	f := p.inflight
	if f == nil {
		f = &fetch{done: make(chan struct{})}
		p.inflight = f
		p.fetches++
		gen := p.gen
		p.mu.Unlock()
		// The shared fetch must outlive the first caller's context.
		go p.run(context.WithoutCancel(ctx), opts, f, gen)
	} else {
		p.mu.Unlock()
	}

	select {
	case <-f.done:
		return clone(f.servers)
	case <-ctx.Done():
		return fallback(opts)
	}
}

func (p *Provider) run(ctx context.Context, opts Options, f *fetch, gen uint64) {
	servers, err := fetchServers(ctx, opts)
	if err != nil {
		log.Warnf("ICE: using STUN fallback: %v", err)
		servers = fallback(opts)
	} else {
		log.Debugf("ICE: fetched %d server entries", len(servers))
	}

	p.mu.Lock()
	if p.gen == gen {
		p.cached = servers
		p.fetchedAt = opts.Now()
	}
	if p.inflight == f {
		p.inflight = nil
	}
	p.mu.Unlock()

	f.servers = servers
	close(f.done)
}

// Invalidate drops the cached configuration. A fetch already in flight
// still answers its waiters but is not cached.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.invalidateLocked()
	p.mu.Unlock()
}

func (p *Provider) invalidateLocked() {
	p.cached = nil
	p.fetchedAt = time.Time{}
	p.gen++
	p.inflight = nil
}

// Fetches reports how many network fetches have been started.
func (p *Provider) Fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func fallback(opts Options) []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: append([]string(nil), opts.Fallback...)}}
}

func fetchServers(ctx context.Context, opts Options) ([]webrtc.ICEServer, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("no api url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.BaseURL+"/ice/twilio", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ice endpoint returned %s", resp.Status)
	}

	var body proto.ICEResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	servers := Normalize(body.ICEServers)
	if len(servers) == 0 {
		return nil, fmt.Errorf("no ICE servers")
	}
	return servers, nil
}

// Normalize converts raw entries into Pion ICE servers. An entry must
// yield at least one URL, from "urls" or else the legacy "url", each of
// which may be a string or a list of strings. Other entries are dropped.
func Normalize(raw []proto.RawICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(raw))
	for _, r := range raw {
		urls := urlList(r.URLs)
		if len(urls) == 0 {
			urls = urlList(r.URL)
		}
		if len(urls) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: urls, Username: r.Username}
		if r.Credential != "" {
			s.Credential = r.Credential
		}
		out = append(out, s)
	}
	return out
}

func urlList(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []string:
		return nonEmpty(t)
	case []any:
		var ss []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				ss = append(ss, s)
			}
		}
		return nonEmpty(ss)
	}
	return nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clone(in []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(in))
	for i, s := range in {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}
	return out
}
