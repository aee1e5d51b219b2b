package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgesession.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[relay]
url = "https://relay.example.com"
token = " abc "

[registry]
backend = "redis"
redis_addr = "10.0.0.5:6379"
variant = "legacy"

[session]
heartbeat_interval = "5s"
dead_after = "20s"
backoff_initial = "100ms"
security_mode = "production"

[session.tls]
enabled = true

[daemon]
url = "http://10.0.0.2:7400"
launch_timeout = "90s"
launcher = "ssh"

[daemon.ssh]
host = "worker-1"
user = "agent"

[agent]
max_connect_attempts = 3
echo = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	require.Equal(t, "https://relay.example.com", cfg.Relay.URL)
	require.Equal(t, "abc", cfg.Relay.Token)
	require.Equal(t, def.Relay.Server.Addr, cfg.Relay.Server.Addr)

	require.Equal(t, BackendRedis, cfg.Registry.Backend)
	require.Equal(t, "10.0.0.5:6379", cfg.Registry.RedisAddr)
	require.Equal(t, cipher.VariantLegacy, cfg.Registry.Variant)
	require.Equal(t, def.Registry.RedisPrefix, cfg.Registry.RedisPrefix)

	require.Equal(t, 5*time.Second, cfg.Session.HeartbeatInterval)
	require.Equal(t, 20*time.Second, cfg.Session.SessionDeadAfter)
	require.Equal(t, 100*time.Millisecond, cfg.Session.Backoff.InitialDelay)
	require.Equal(t, def.Session.Backoff.MaxDelay, cfg.Session.Backoff.MaxDelay)
	require.Equal(t, session.SecurityModeProduction, cfg.Session.SecurityMode)
	require.True(t, cfg.Session.TLS.Enabled)

	require.Equal(t, 90*time.Second, cfg.Daemon.Spawn.LaunchTimeout)
	require.Equal(t, "http://10.0.0.2:7400", cfg.Daemon.Spawn.DaemonURL)
	require.Equal(t, LauncherSSH, cfg.Daemon.Launcher)
	require.Equal(t, "worker-1", cfg.Daemon.SSH.Host)
	require.Equal(t, "22", cfg.Daemon.SSH.Port)

	require.Equal(t, 3, cfg.Agent.MaxConnectAttempts)
	require.True(t, cfg.Agent.Echo)
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration": "[session]\nconnect_timeout = \"soon\"\n",
		"backend":  "[registry]\nbackend = \"etcd\"\n",
		"variant":  "[registry]\nvariant = \"rot13\"\n",
		"unknown":  "[relay]\nurl = \"http://x\"\nbogus = 1\n",
		"ssh":      "[daemon]\nlauncher = \"ssh\"\n",
		"url":      "[relay]\nurl = \"ws://relay\"\n",
		"tls":      "[session]\nsecurity_mode = \"production\"\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "conf", "edgesession.toml")
	require.NoError(t, WriteTemplate(path, false))
	require.Error(t, WriteTemplate(path, false))
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	def := Default()
	require.Equal(t, def.Relay.URL, cfg.Relay.URL)
	require.Equal(t, def.Registry, cfg.Registry)
	require.Equal(t, def.Session.Backoff, cfg.Session.Backoff)
	require.Equal(t, def.Session.HeartbeatInterval, cfg.Session.HeartbeatInterval)
	require.Equal(t, def.Daemon.Spawn, cfg.Daemon.Spawn)
	require.Equal(t, def.Daemon.Launcher, cfg.Daemon.Launcher)
}
