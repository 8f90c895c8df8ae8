package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.ICE.TTLMinutes)
	assert.Equal(t, 0, cfg.Call.RingTimeoutSec)
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"user_id":"alice","display_name":"Alice"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "Alice", cfg.Identity.DisplayName)
	assert.Equal(t, Default().Signaling.URL, cfg.Signaling.URL)
	assert.Equal(t, Default().ICE.FallbackURLs, cfg.ICE.FallbackURLs)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.yaml")
	body := `
identity:
  user_id: bob
call:
  ring_timeout_seconds: 30
ice:
  ttl_minutes: 10
  fallback_urls: ["stun:stun.example.org:3478"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.UserID)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
	assert.Equal(t, 10, cfg.ICE.TTLMinutes)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICE.FallbackURLs)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty user":        func(c *Config) { c.Identity.UserID = " " },
		"http signaling":    func(c *Config) { c.Signaling.URL = "http://host/ws" },
		"bad api scheme":    func(c *Config) { c.API.BaseURL = "ftp://host" },
		"zero ttl":          func(c *Config) { c.ICE.TTLMinutes = 0 },
		"no fallback":       func(c *Config) { c.ICE.FallbackURLs = nil },
		"fallback not ice":  func(c *Config) { c.ICE.FallbackURLs = []string{"http://x"} },
		"negative ring":     func(c *Config) { c.Call.RingTimeoutSec = -1 },
		"fast ringtone":     func(c *Config) { c.Call.RingtoneInterval = 10 },
		"bad metrics addr":  func(c *Config) { c.Metrics.Addr = "nope" },
		"relay ice no urls": func(c *Config) { c.Relay.ICEServers = []RelayICEEntry{{}} },
		"relay zero rate":   func(c *Config) { c.Relay.RatePerSecond = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	t.Setenv("GOOPCALL_USER_ID", "carol")
	t.Setenv("LIVEKIT_API_KEY", "devkey")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Identity.UserID)
	assert.Equal(t, "devkey", cfg.Relay.LiveKitAPIKey)
}

func TestDotEnvNextToConfig(t *testing.T) {
	const key = "GOOPCALL_API_TOKEN"
	prev, had := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=from-dotenv\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.API.AuthToken)
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "goopcall.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Identity.UserID, cfg.Identity.UserID)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"user_id":"a"}}`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	go func() { _ = Watch(ctx, path, func(c Config) { got <- c }) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"user_id":"b"}}`), 0o644))

	select {
	case c := <-got:
		assert.Equal(t, "b", c.Identity.UserID)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
