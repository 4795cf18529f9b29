package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, c.Backend)
	assert.Equal(t, "DefaultBucket", c.LobbyBucket)
	assert.Equal(t, 4, c.LobbyMaxPlayers)
	assert.Equal(t, 50, c.LobbySearchMax)
	assert.Equal(t, "GameSession", c.SessionBucket)
	assert.Equal(t, "MyGameSession", c.SessionName)
	assert.Equal(t, 7777, c.DefaultPort)
	assert.Equal(t, 100*time.Millisecond, c.PumpInterval)
	assert.Equal(t, 500*time.Millisecond, c.JoinDelayMin)
	assert.Equal(t, 2*time.Second, c.JoinDelayMax)
	assert.Equal(t, 24*time.Hour, c.TokenTTL)
	assert.Equal(t, "matchmaking:events", c.RedisChannel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MATCH_BACKEND", "WS")
	t.Setenv("MATCH_FORCE_LOCAL_SERVER", "true")
	t.Setenv("MATCH_DEFAULT_PORT", "9000")
	t.Setenv("MATCH_JOIN_DELAY_MAX", "3s")
	t.Setenv("TOKEN_EXPIRE_TIME", "0")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendWS, c.Backend)
	assert.True(t, c.ForceLocalServer)
	assert.Equal(t, 9000, c.DefaultPort)
	assert.Equal(t, 3*time.Second, c.JoinDelayMax)
	assert.Zero(t, c.TokenTTL)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown backend", "MATCH_BACKEND", "carrier-pigeon"},
		{"bad int", "MATCH_LOBBY_MAX_PLAYERS", "four"},
		{"zero players", "MATCH_LOBBY_MAX_PLAYERS", "0"},
		{"bad bool", "MATCH_HOST_SESSIONS", "maybe"},
		{"bad duration", "MATCH_PUMP_INTERVAL", "soon"},
		{"port range", "MATCH_DEFAULT_PORT", "70000"},
		{"inverted delay window", "MATCH_JOIN_DELAY_MIN", "5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MATCH_LOBBY_NAME=FromFile\nMATCH_LOBBY_BUCKET=FileBucket\n"), 0o600))
	t.Setenv("MATCH_LOBBY_BUCKET", "FromEnv")
	t.Cleanup(func() { os.Unsetenv("MATCH_LOBBY_NAME") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "FromEnv", c.LobbyBucket)
	assert.Equal(t, "FromFile", c.LobbyName)
}
