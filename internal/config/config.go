package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/petervdpas/goopcall/internal/util"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Identity  Identity  `json:"identity" yaml:"identity"`
	API       API       `json:"api" yaml:"api"`
	Signaling Signaling `json:"signaling" yaml:"signaling"`
	ICE       ICE       `json:"ice" yaml:"ice"`
	Call      Call      `json:"call" yaml:"call"`
	Log       Log       `json:"log" yaml:"log"`
	Metrics   Metrics   `json:"metrics" yaml:"metrics"`
	Relay     Relay     `json:"relay" yaml:"relay"`
}

type Identity struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Avatar      string `json:"avatar" yaml:"avatar"`
}

// API is the chat backend that serves ICE credentials and room tokens.
type API struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	AuthToken string `json:"auth_token" yaml:"auth_token"`
}

type Signaling struct {
	// Websocket endpoint of the per-user event channel, e.g. ws://127.0.0.1:8790/ws
	URL string `json:"url" yaml:"url"`
}

type ICE struct {
	TTLMinutes   int      `json:"ttl_minutes" yaml:"ttl_minutes"`
	FallbackURLs []string `json:"fallback_urls" yaml:"fallback_urls"`
}

type Call struct {
	// 0 disables the ring timeout: an invite rings until answered or ended.
	RingTimeoutSec   int    `json:"ring_timeout_seconds" yaml:"ring_timeout_seconds"`
	RingtoneInterval int    `json:"ringtone_interval_ms" yaml:"ringtone_interval_ms"`
	PreferredCamera  string `json:"preferred_camera" yaml:"preferred_camera"`
}

type Log struct {
	Level      string            `json:"level" yaml:"level"`
	Subsystems map[string]string `json:"subsystems" yaml:"subsystems"`
}

type Metrics struct {
	// Empty disables the client-side /metrics listener.
	Addr string `json:"addr" yaml:"addr"`
}

// Relay configures the development rendezvous server (goopcall relay).
type Relay struct {
	Addr             string          `json:"addr" yaml:"addr"`
	ICEServers       []RelayICEEntry `json:"ice_servers" yaml:"ice_servers"`
	LiveKitURL       string          `json:"livekit_url" yaml:"livekit_url"`
	LiveKitAPIKey    string          `json:"livekit_api_key" yaml:"livekit_api_key"`
	LiveKitAPISecret string          `json:"livekit_api_secret" yaml:"livekit_api_secret"`
	TokenValidMin    int             `json:"token_valid_minutes" yaml:"token_valid_minutes"`
	AllowedOrigins   []string        `json:"allowed_origins" yaml:"allowed_origins"`
	RatePerSecond    float64         `json:"rate_per_second" yaml:"rate_per_second"`
	RateBurst        int             `json:"rate_burst" yaml:"rate_burst"`
}

type RelayICEEntry struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID: "me",
		},
		API: API{
			BaseURL: "http://127.0.0.1:8790",
		},
		Signaling: Signaling{
			URL: "ws://127.0.0.1:8790/ws",
		},
		ICE: ICE{
			TTLMinutes:   50,
			FallbackURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec:   0,
			RingtoneInterval: 2000,
		},
		Log: Log{
			Level: "info",
		},
		Relay: Relay{
			Addr: "127.0.0.1:8790",
			ICEServers: []RelayICEEntry{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			LiveKitURL:    "ws://localhost:7880",
			TokenValidMin: 60,
			RatePerSecond: 50,
			RateBurst:     100,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	id, err := util.ValidateUserID(c.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	c.Identity.UserID = id

	// API
	if err := validateHTTPURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}

	// Signaling
	u, err := url.Parse(strings.TrimSpace(c.Signaling.URL))
	if err != nil {
		return fmt.Errorf("signaling.url: invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signaling.url: scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("signaling.url: missing host")
	}

	// ICE
	if c.ICE.TTLMinutes <= 0 {
		return errors.New("ice.ttl_minutes must be > 0")
	}
	if len(c.ICE.FallbackURLs) == 0 {
		return errors.New("ice.fallback_urls must list at least one server")
	}
	for _, s := range c.ICE.FallbackURLs {
		if !hasICEScheme(s) {
			return fmt.Errorf("ice.fallback_urls: %q is not a stun/turn url", s)
		}
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.RingtoneInterval < 100 {
		return errors.New("call.ringtone_interval_ms must be >= 100")
	}

	// Log
	if strings.TrimSpace(c.Log.Level) == "" {
		return errors.New("log.level is required")
	}

	// Metrics
	if a := strings.TrimSpace(c.Metrics.Addr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}

	// Relay
	if _, _, err := net.SplitHostPort(c.Relay.Addr); err != nil {
		return fmt.Errorf("relay.addr: %w", err)
	}
	for i, e := range c.Relay.ICEServers {
		if len(e.URLs) == 0 {
			return fmt.Errorf("relay.ice_servers[%d]: urls is required", i)
		}
	}
	if c.Relay.TokenValidMin <= 0 {
		return errors.New("relay.token_valid_minutes must be > 0")
	}
	if c.Relay.RatePerSecond <= 0 || c.Relay.RateBurst <= 0 {
		return errors.New("relay.rate_per_second and relay.rate_burst must be > 0")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func hasICEScheme(s string) bool {
	for _, p := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides without
// validation. A .env file next to the config is loaded first when present.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing fields remain initialized.
	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	// Missing .env is fine; real environment variables win over it.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	applyEnv(&cfg)

	return cfg, nil
}

// applyEnv overlays GOOPCALL_* and LIVEKIT_* variables onto cfg.
func applyEnv(cfg *Config) {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("GOOPCALL_USER_ID", &cfg.Identity.UserID)
	set("GOOPCALL_DISPLAY_NAME", &cfg.Identity.DisplayName)
	set("GOOPCALL_API_URL", &cfg.API.BaseURL)
	set("GOOPCALL_API_TOKEN", &cfg.API.AuthToken)
	set("GOOPCALL_SIGNALING_URL", &cfg.Signaling.URL)
	set("GOOPCALL_LOG_LEVEL", &cfg.Log.Level)
	set("GOOPCALL_METRICS_ADDR", &cfg.Metrics.Addr)
	set("GOOPCALL_RELAY_ADDR", &cfg.Relay.Addr)
	set("LIVEKIT_URL", &cfg.Relay.LiveKitURL)
	set("LIVEKIT_API_KEY", &cfg.Relay.LiveKitAPIKey)
	set("LIVEKIT_API_SECRET", &cfg.Relay.LiveKitAPISecret)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if isYAML(path) {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, b, 0o644)
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
