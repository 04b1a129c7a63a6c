package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.APIBaseURL)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WebsocketURL())
	assert.Equal(t, "identifier", cfg.LoginField)
	assert.Equal(t, "general", cfg.Room)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Zero(t, cfg.MaxRetryDelay)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReconcileWindow)
	assert.Equal(t, "memory", cfg.Cache)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CHAT_API_BASE_URL", "https://chat.example.com/api")
	t.Setenv("CHAT_LOGIN_FIELD", "email")
	t.Setenv("CHAT_RETRY_DELAY", "250ms")
	t.Setenv("CHAT_MAX_RETRY_DELAY", "8s")
	t.Setenv("CHAT_CACHE", "redis://localhost:6379/1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://chat.example.com/api/ws", cfg.WebsocketURL())
	assert.Equal(t, "email", cfg.LoginField)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 8*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Cache)
}

func TestLoad_DotEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("CHAT_ROOM=random\nCHAT_SOCKET_URL=ws://sockets:9000/live\nCHAT_HISTORY_LIMIT=5\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("CHAT_ROOM")
		_ = os.Unsetenv("CHAT_SOCKET_URL")
		_ = os.Unsetenv("CHAT_HISTORY_LIMIT")
	})
	t.Setenv("CHAT_HISTORY_LIMIT", "7")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "random", cfg.Room)
	assert.Equal(t, "ws://sockets:9000/live", cfg.WebsocketURL())
	assert.Equal(t, 7, cfg.HistoryLimit, "environment wins over dotenv")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{name: "login field", key: "CHAT_LOGIN_FIELD", value: "phone", wantErr: ErrInvalid},
		{name: "negative history", key: "CHAT_HISTORY_LIMIT", value: "-1", wantErr: ErrInvalid},
		{name: "zero retry", key: "CHAT_RETRY_DELAY", value: "0s", wantErr: ErrInvalid},
		{name: "bad duration", key: "CHAT_DIAL_TIMEOUT", value: "soon", wantErr: ErrParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
