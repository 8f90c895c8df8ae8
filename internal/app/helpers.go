package app

import (
	"fmt"
	"io"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
)

// NormalizeLocalAddr keeps local listeners on loopback unless a host is
// named explicitly, and returns the listen address and its URL.
func NormalizeLocalAddr(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// ApplyLogLevels sets the global level and then any per-subsystem
// overrides. Unknown subsystems are reported but do not stop the rest.
func ApplyLogLevels(l config.Log) error {
	lvl := l.Level
	if lvl == "" {
		lvl = "info"
	}
	if err := logging.SetLogLevel("*", lvl); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	var firstErr error
	for _, name := range sortedKeys(l.Subsystems) {
		if err := logging.SetLogLevel(name, l.Subsystems[name]); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}
	return firstErr
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// directChatID names the one-to-one conversation of two users the same
// way on both sides.
func directChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func logBanner(w io.Writer, dir, cfgPath string, cfg config.Config) {
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goopcall agent")
	fmt.Fprintf(w, " Folder      : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintf(w, " User        : %s\n", cfg.Identity.UserID)
	fmt.Fprintf(w, " Signaling   : %s\n", cfg.Signaling.URL)
	fmt.Fprintf(w, " API         : %s\n", cfg.API.BaseURL)
	fmt.Fprintln(w, "────────────────────────────────────────")
}
