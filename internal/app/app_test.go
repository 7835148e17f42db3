package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/neighborly/internal/config"
)

func TestNormalizeListenAddr(t *testing.T) {
	addr, url := NormalizeListenAddr(":8080")
	require.Equal(t, "127.0.0.1:8080", addr)
	require.Equal(t, "http://127.0.0.1:8080", url)

	addr, url = NormalizeListenAddr("0.0.0.0:9000")
	require.Equal(t, "0.0.0.0:9000", addr)
	require.Equal(t, "http://127.0.0.1:9000", url)
}

func TestPromptInteractiveKeepsDefaultsOnEmptyInput(t *testing.T) {
	def := config.Default()
	got := PromptInteractive(strings.NewReader(strings.Repeat("\n", 10)), "dir", "cfg", def)
	require.Equal(t, def.Server.HTTPAddr, got.Server.HTTPAddr)
	require.Equal(t, "loopback", got.Player.Kind)
}

func TestPromptInteractiveSwitchesToHTTPPlayer(t *testing.T) {
	in := strings.Join([]string{
		"0.0.0.0:9000",
		"https://volume.example.org",
		"y",
		"https://player.example.org/v1",
		"3",
		"12",
		"",
	}, "\n") + "\n"

	got := PromptInteractive(strings.NewReader(in), "dir", "cfg", config.Default())
	require.Equal(t, "0.0.0.0:9000", got.Server.HTTPAddr)
	require.Equal(t, "https://volume.example.org", got.Server.ExternalURL)
	require.Equal(t, "http", got.Player.Kind)
	require.Equal(t, "https://player.example.org/v1", got.Player.BaseURL)
	require.Equal(t, 3, got.Player.TimeoutSeconds)
	require.Equal(t, 12, got.Sessions.IdleExpiryHours)
}

func TestApplyLogLevels(t *testing.T) {
	require.NoError(t, ApplyLogLevels(config.Log{Level: "info", Subsystems: map[string]string{"app": "debug"}}))
	require.Error(t, ApplyLogLevels(config.Log{Level: "loud"}))
}
