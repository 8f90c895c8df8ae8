package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive asks for the settings a fresh agent needs. Invalid
// answers fall back to the defaults.
func PromptInteractive(in io.Reader, out io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "goopcall interactive setup")
	fmt.Fprintf(out, " Folder      : %s\n", dir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Identity.UserID = askString(r, out, "User id", cfg.Identity.UserID)
	cfg.Identity.DisplayName = askString(r, out, "Display name", cfg.Identity.DisplayName)
	cfg.Signaling.URL = askString(r, out, "Signaling websocket URL", cfg.Signaling.URL)
	cfg.API.BaseURL = askString(r, out, "API base URL", cfg.API.BaseURL)
	cfg.Metrics.Addr = askString(r, out, "Local status/metrics addr (empty=off)", cfg.Metrics.Addr)

	if askBool(r, out, "Hang up unanswered calls automatically", cfg.Call.RingTimeoutSec > 0) {
		def := cfg.Call.RingTimeoutSec
		if def <= 0 {
			def = 45
		}
		cfg.Call.RingTimeoutSec = askInt(r, out, "Ring timeout seconds", def)
	} else {
		cfg.Call.RingTimeoutSec = 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Fprintln(out, "Please enter y or n.")
		}
	}
}
