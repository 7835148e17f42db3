package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty addr":      func(c *Config) { c.Server.HTTPAddr = "" },
		"addr no port":    func(c *Config) { c.Server.HTTPAddr = "localhost" },
		"player kind":     func(c *Config) { c.Player.Kind = "cassette" },
		"http no url":     func(c *Config) { c.Player.Kind = "http"; c.Player.BaseURL = "" },
		"timeout":         func(c *Config) { c.Player.TimeoutSeconds = 0 },
		"expiry too long": func(c *Config) { c.Sessions.IdleExpiryHours = 24*7 + 1 },
		"history":         func(c *Config) { c.Sessions.HistorySize = 0 },
		"log level":       func(c *Config) { c.Log.Level = "loud" },
		"subsystem level": func(c *Config) { c.Log.Subsystems = map[string]string{"volume": "chatty"} },
		"external url":    func(c *Config) { c.Server.ExternalURL = "ftp://x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, Default().Server.HTTPAddr, cfg.Server.HTTPAddr)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	require.False(t, created)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"log":{"level":"debug"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, Default().Player.Kind, cfg.Player.Kind)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		require.Equal(t, "debug", c.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
