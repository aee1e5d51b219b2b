package spawn

import (
	"testing"

	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestJoinCommandEscaping(t *testing.T) {
	testlog.Start(t)
	got := joinCommand("echo", []string{"a b", "quote'v"})
	want := "'echo' 'a b' 'quote'\"'\"'v'"
	require.Equal(t, want, got)
}

func TestSSHRemoteCommand(t *testing.T) {
	testlog.Start(t)
	l := SSHLauncher{Command: "/opt/edgesession"}
	got := l.remoteCommand(Spec{
		Directory: "/srv/work dir",
		Args:      []string{"--config", "a.toml"},
		Env:       []string{EnvSessionTag + "=conv 1", "bogus", EnvDaemonURL + "=http://d:7400"},
	})
	want := "cd '/srv/work dir' && EDGESESSION_SESSION_TAG='conv 1' EDGESESSION_DAEMON_URL='http://d:7400' " +
		"exec '/opt/edgesession' 'agent' '--config' 'a.toml'"
	require.Equal(t, want, got)
}

func TestSSHLauncherAddressValidation(t *testing.T) {
	testlog.Start(t)
	l := SSHLauncher{}
	_, err := l.address()
	require.ErrorIs(t, err, ErrInvalidConfig)

	l.Host = "node-a"
	addr, err := l.address()
	require.NoError(t, err)
	require.Equal(t, "node-a:22", addr)

	l.Port = "2222"
	addr, err = l.address()
	require.NoError(t, err)
	require.Equal(t, "node-a:2222", addr)
}

func TestSSHLauncherClientConfigValidation(t *testing.T) {
	testlog.Start(t)
	l := SSHLauncher{Host: "node-a"}
	_, err := l.clientConfig()
	require.ErrorIs(t, err, ErrInvalidConfig)

	l.User = "agent"
	_, err = l.clientConfig()
	require.ErrorIs(t, err, ErrInvalidConfig)
}
