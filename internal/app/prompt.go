// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/neighborly/internal/config"
)

// PromptInteractive asks for the settings people usually change and falls
// back to cfg for empty answers.
func PromptInteractive(r io.Reader, dataDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("neighborly interactive setup")
	fmt.Printf(" Data folder : %s\n", dataDir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Server.HTTPAddr = askString(in, "HTTP listen addr", cfg.Server.HTTPAddr)
	cfg.Server.ExternalURL = askString(in, "External URL for share links (empty=listen addr)", cfg.Server.ExternalURL)

	if askBool(in, "Control a real player over its Web API", cfg.Player.Kind == "http") {
		cfg.Player.Kind = "http"
		cfg.Player.BaseURL = askString(in, "Player API base URL", cfg.Player.BaseURL)
	} else {
		cfg.Player.Kind = "loopback"
	}
	cfg.Player.TimeoutSeconds = askInt(in, "Player call timeout seconds", cfg.Player.TimeoutSeconds)

	cfg.Sessions.IdleExpiryHours = askInt(in, "Expire idle sessions after hours", cfg.Sessions.IdleExpiryHours)
	cfg.Sessions.SnapshotPath = askString(in, "Snapshot database (empty=off)", cfg.Sessions.SnapshotPath)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		switch s {
		case "":
			return def
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter y or n.")
	}
}
