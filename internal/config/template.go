package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template renders Default as a commented TOML file.
func Template() (string, error) {
	out, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	return fileConfig{
		Relay: relayFile{
			URL:              c.Relay.URL,
			Token:            c.Relay.Token,
			ListenAddr:       c.Relay.Server.Addr,
			AllowedOrigins:   nonNil(c.Relay.Server.AllowedOrigins),
			HandshakeTimeout: c.Relay.Server.HandshakeTimeout.String(),
			ReadDeadAfter:    c.Relay.Server.ReadDeadAfter.String(),
			JWTIssuer:        c.Relay.JWT.Issuer,
			JWTAudience:      c.Relay.JWT.Audience,
			JWTTTL:           c.Relay.JWT.TTL.String(),
		},
		Registry: registryFile{
			Backend:        c.Registry.Backend,
			Dir:            c.Registry.Dir,
			RedisAddr:      c.Registry.RedisAddr,
			RedisDB:        c.Registry.RedisDB,
			RedisPrefix:    c.Registry.RedisPrefix,
			SQLitePath:     c.Registry.SQLitePath,
			SQLitePoolSize: c.Registry.SQLitePoolSize,
			Variant:        string(c.Registry.Variant),
		},
		Session: sessionFile{
			ConnectTimeout:    c.Session.ConnectTimeout.String(),
			HandshakeTimeout:  c.Session.HandshakeTimeout.String(),
			WriteTimeout:      c.Session.WriteTimeout.String(),
			HeartbeatInterval: c.Session.HeartbeatInterval.String(),
			SessionDeadAfter:  c.Session.SessionDeadAfter.String(),
			AckTimeout:        c.Session.AckTimeout.String(),
			QueueWarnDepth:    c.Session.QueueWarnDepth,
			BackoffInitial:    c.Session.Backoff.InitialDelay.String(),
			BackoffMax:        c.Session.Backoff.MaxDelay.String(),
			BackoffMultiplier: c.Session.Backoff.Multiplier,
			BackoffJitter:     c.Session.Backoff.Jitter,
			SecurityMode:      string(c.Session.SecurityMode),
		},
		Daemon: daemonFile{
			ListenAddr:     c.Daemon.Server.Addr,
			AllowedOrigins: nonNil(c.Daemon.Server.AllowedOrigins),
			URL:            c.Daemon.URL,
			LaunchTimeout:  c.Daemon.Spawn.LaunchTimeout.String(),
			Launcher:       c.Daemon.Launcher,
			SSH: sshFile{
				Port:    c.Daemon.SSH.Port,
				Timeout: c.Daemon.SSH.Timeout.String(),
				Command: c.Daemon.SSH.Command,
			},
		},
		Agent: agentFile{
			MachineID:          c.Agent.MachineID,
			MaxConnectAttempts: c.Agent.MaxConnectAttempts,
			Echo:               c.Agent.Echo,
		},
	}
}

func nonNil(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
