package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
storage:
  driver: "file"
  path: "./store.json"
sessions:
  ttl: "30m"
logging:
  level: "debug"
  console: true
`)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, 15*time.Second, cfg.PollTimeoutOrDefault())
	require.Equal(t, 30*time.Minute, cfg.SessionTTLOrDefault())
	require.Equal(t, "*/10 * * * *", cfg.SweepScheduleOrDefault())
	require.True(t, cfg.Policy.PrivateOnlyEnabled())
	require.Same(t, cfg, m.Get())
}

func TestUnknownFieldRejected(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
storage:
  driver: "file"
  path: "./store.json"
forwarding:
  burst: 9
`)
	_, err := NewManager(p).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field")
}

func TestValidateRejectsMissingToken(t *testing.T) {
	p := writeConfig(t, "config.json", `{"telegram":{},"storage":{"driver":"file","path":"s.json"},"logging":{}}`)
	_, err := NewManager(p).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "telegram.token")
}

func TestValidateRejectsBadDuration(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
storage:
  driver: "file"
  path: "./store.json"
sessions:
  ttl: "half an hour"
`)
	_, err := NewManager(p).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "sessions.ttl")
}

func TestDurationDefaults(t *testing.T) {
	var c Config
	require.Equal(t, 10*time.Second, c.PollTimeoutOrDefault())
	require.Equal(t, time.Hour, c.SessionTTLOrDefault())
	require.Equal(t, 2*time.Second, c.DedupWindowOrDefault())
}
