package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/neighborly/internal/util"
)

// FileName is the config file created inside the data directory.
const FileName = "neighborly.json"

type Config struct {
	Server   Server   `json:"server"`
	Player   Player   `json:"player"`
	Sessions Sessions `json:"sessions"`
	Log      Log      `json:"log"`
}

type Server struct {
	// Listen address of the HTTP/WebSocket server, e.g. "127.0.0.1:8080".
	HTTPAddr string `json:"http_addr"`

	// Public URL used when building share links. Empty means "http://" + HTTPAddr.
	ExternalURL string `json:"external_url"`

	// Allowed WebSocket origins. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

type Player struct {
	// "http" talks to a Spotify-compatible Web API, "loopback" keeps volume in memory.
	Kind string `json:"kind"`

	// Base URL of the player API (kind=http), e.g. "https://api.spotify.com/v1".
	BaseURL string `json:"base_url"`

	// Upper bound for one player call; exceeding it is a commit error.
	TimeoutSeconds int `json:"timeout_seconds"`

	// How long a fetched current track is served from cache.
	TrackCacheSeconds int `json:"track_cache_seconds"`
}

type Sessions struct {
	IdleExpiryHours         int    `json:"idle_expiry_hours"`
	SweepIntervalSeconds    int    `json:"sweep_interval_seconds"`
	HistorySize             int    `json:"history_size"`
	SnapshotPath            string `json:"snapshot_path"` // relative to data dir; empty disables snapshots
	SnapshotIntervalSeconds int    `json:"snapshot_interval_seconds"`
}

type Log struct {
	// debug, info, warn, error
	Level string `json:"level"`

	// "plaintext", "color" or "json"
	Format string `json:"format"`

	// Per-subsystem overrides, e.g. {"volume": "debug"}.
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
		},
		Player: Player{
			Kind:              "loopback",
			BaseURL:           "https://api.spotify.com/v1",
			TimeoutSeconds:    5,
			TrackCacheSeconds: 10,
		},
		Sessions: Sessions{
			IdleExpiryHours:         24,
			SweepIntervalSeconds:    300,
			HistorySize:             50,
			SnapshotPath:            "data/sessions.db",
			SnapshotIntervalSeconds: 60,
		},
		Log: Log{
			Level:  "info",
			Format: "plaintext",
		},
	}
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr: %w", err)
	}
	if eu := strings.TrimSpace(c.Server.ExternalURL); eu != "" {
		u, err := url.Parse(eu)
		if err != nil {
			return fmt.Errorf("server.external_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("server.external_url scheme must be http or https")
		}
	}

	// Player
	switch c.Player.Kind {
	case "loopback":
	case "http":
		u, err := url.Parse(c.Player.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("player.base_url must be an http(s) URL when player.kind is http")
		}
	default:
		return fmt.Errorf("player.kind must be http or loopback, got %q", c.Player.Kind)
	}
	if c.Player.TimeoutSeconds < 1 || c.Player.TimeoutSeconds > 60 {
		return errors.New("player.timeout_seconds must be 1..60")
	}
	if c.Player.TrackCacheSeconds < 0 {
		return errors.New("player.track_cache_seconds must be >= 0")
	}

	// Sessions
	if c.Sessions.IdleExpiryHours < 1 || c.Sessions.IdleExpiryHours > 24*7 {
		return errors.New("sessions.idle_expiry_hours must be 1..168")
	}
	if c.Sessions.SweepIntervalSeconds <= 0 {
		return errors.New("sessions.sweep_interval_seconds must be > 0")
	}
	if c.Sessions.HistorySize < 1 || c.Sessions.HistorySize > 10000 {
		return errors.New("sessions.history_size must be 1..10000")
	}
	if c.Sessions.SnapshotPath != "" && c.Sessions.SnapshotIntervalSeconds <= 0 {
		return errors.New("sessions.snapshot_interval_seconds must be > 0 when snapshot_path is set")
	}

	// Log
	if err := c.Log.Validate(); err != nil {
		return err
	}

	return nil
}

// Validate checks the log section on its own; the watcher reapplies only this part.
func (l Log) Validate() error {
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "", "plaintext", "color", "json":
	default:
		return fmt.Errorf("log.format must be plaintext, color or json, got %q", l.Format)
	}
	for name, lvl := range l.Subsystems {
		if !validLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: invalid level %q", name, lvl)
		}
	}
	return nil
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

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
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
