package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgesession/internal/auth"
	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/daemon"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/relay"
	"github.com/danmuck/edgesession/internal/spawn"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Registry store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Agent launchers.
const (
	LauncherExec = "exec"
	LauncherSSH  = "ssh"
)

type RelayConfig struct {
	// URL is the relay HTTP base agents and the CLI talk to.
	URL    string
	Token  string
	Server relay.ServerConfig
	// JWT, when its secret is set, makes the relay accept only signed tokens.
	JWT auth.TokenConfig
}

type RegistryConfig struct {
	Backend        string
	Dir            string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	SQLitePath     string
	SQLitePoolSize int
	Variant        cipher.Variant
}

type DaemonConfig struct {
	Server       daemon.ServerConfig
	URL          string
	Token        string
	Spawn        spawn.Config
	WebhookURL   string
	WebhookToken string
	Launcher     string
	AgentPath    string
	SSH          spawn.SSHLauncher
}

type AgentConfig struct {
	MachineID          string
	MaxConnectAttempts int
	Echo               bool
}

// Config is the resolved configuration for every role.
type Config struct {
	Relay    RelayConfig
	Registry RegistryConfig
	Session  session.Config
	Daemon   DaemonConfig
	Agent    AgentConfig
}

func Default() Config {
	relaySrv := relay.DefaultServerConfig()
	daemonSrv := daemon.DefaultServerConfig()
	spawnCfg := spawn.DefaultConfig()
	spawnCfg.DaemonURL = "http://" + daemonSrv.Addr
	return Config{
		Relay: RelayConfig{
			URL:    "http://" + relaySrv.Addr,
			Token:  "dev-token",
			Server: relaySrv,
			JWT:    auth.TokenConfig{Issuer: "edgesession", Audience: "edgesession-relay", TTL: 24 * time.Hour},
		},
		Registry: RegistryConfig{
			Backend:        BackendFile,
			Dir:            ".edgesession/sessions",
			RedisAddr:      "127.0.0.1:6379",
			RedisPrefix:    "edgesession:session:",
			SQLitePath:     ".edgesession/sessions.db",
			SQLitePoolSize: 4,
			Variant:        cipher.VariantDataKey,
		},
		Session: session.DefaultConfig(),
		Daemon: DaemonConfig{
			Server:   daemonSrv,
			URL:      spawnCfg.DaemonURL,
			Spawn:    spawnCfg,
			Launcher: LauncherExec,
			SSH:      spawn.SSHLauncher{Port: "22", Timeout: 10 * time.Second, Command: "edgesession"},
		},
		Agent: AgentConfig{MaxConnectAttempts: 0},
	}
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.Relay.URL, "http://") && !strings.HasPrefix(c.Relay.URL, "https://") {
		return fmt.Errorf("%w: relay.url %q must be http(s)", ErrInvalidConfig, c.Relay.URL)
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendFile:
		if strings.TrimSpace(c.Registry.Dir) == "" {
			return fmt.Errorf("%w: registry.dir is required for the file backend", ErrInvalidConfig)
		}
	case BackendRedis:
		if strings.TrimSpace(c.Registry.RedisAddr) == "" {
			return fmt.Errorf("%w: registry.redis_addr is required for the redis backend", ErrInvalidConfig)
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Registry.SQLitePath) == "" {
			return fmt.Errorf("%w: registry.sqlite_path is required for the sqlite backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: registry.backend %q", ErrInvalidConfig, c.Registry.Backend)
	}
	if _, err := cipher.ParseVariant(string(c.Registry.Variant)); err != nil {
		return fmt.Errorf("%w: registry.variant: %v", ErrInvalidConfig, err)
	}
	if err := c.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: session: %v", ErrInvalidConfig, err)
	}
	switch c.Daemon.Launcher {
	case LauncherExec:
	case LauncherSSH:
		if strings.TrimSpace(c.Daemon.SSH.Host) == "" || strings.TrimSpace(c.Daemon.SSH.User) == "" {
			return fmt.Errorf("%w: daemon.ssh host and user are required for the ssh launcher", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: daemon.launcher %q", ErrInvalidConfig, c.Daemon.Launcher)
	}
	if c.Agent.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: agent.max_connect_attempts must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Load reads path over Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, undecoded[0])
	}

	l := loader{meta: meta}
	l.str(&cfg.Relay.URL, raw.Relay.URL, "relay", "url")
	l.str(&cfg.Relay.Token, raw.Relay.Token, "relay", "token")
	l.str(&cfg.Relay.Server.Addr, raw.Relay.ListenAddr, "relay", "listen_addr")
	l.strs(&cfg.Relay.Server.AllowedOrigins, raw.Relay.AllowedOrigins, "relay", "allowed_origins")
	l.dur(&cfg.Relay.Server.HandshakeTimeout, raw.Relay.HandshakeTimeout, "relay", "handshake_timeout")
	l.dur(&cfg.Relay.Server.ReadDeadAfter, raw.Relay.ReadDeadAfter, "relay", "read_dead_after")
	if meta.IsDefined("relay", "jwt_secret") {
		cfg.Relay.JWT.Secret = []byte(strings.TrimSpace(raw.Relay.JWTSecret))
	}
	l.str(&cfg.Relay.JWT.Issuer, raw.Relay.JWTIssuer, "relay", "jwt_issuer")
	l.str(&cfg.Relay.JWT.Audience, raw.Relay.JWTAudience, "relay", "jwt_audience")
	l.dur(&cfg.Relay.JWT.TTL, raw.Relay.JWTTTL, "relay", "jwt_ttl")

	l.str(&cfg.Registry.Backend, raw.Registry.Backend, "registry", "backend")
	l.str(&cfg.Registry.Dir, raw.Registry.Dir, "registry", "dir")
	l.str(&cfg.Registry.RedisAddr, raw.Registry.RedisAddr, "registry", "redis_addr")
	l.str(&cfg.Registry.RedisPassword, raw.Registry.RedisPassword, "registry", "redis_password")
	l.int(&cfg.Registry.RedisDB, raw.Registry.RedisDB, "registry", "redis_db")
	l.str(&cfg.Registry.RedisPrefix, raw.Registry.RedisPrefix, "registry", "redis_prefix")
	l.str(&cfg.Registry.SQLitePath, raw.Registry.SQLitePath, "registry", "sqlite_path")
	l.int(&cfg.Registry.SQLitePoolSize, raw.Registry.SQLitePoolSize, "registry", "sqlite_pool_size")
	if meta.IsDefined("registry", "variant") {
		cfg.Registry.Variant = cipher.Variant(strings.TrimSpace(raw.Registry.Variant))
	}

	s := &cfg.Session
	l.dur(&s.ConnectTimeout, raw.Session.ConnectTimeout, "session", "connect_timeout")
	l.dur(&s.HandshakeTimeout, raw.Session.HandshakeTimeout, "session", "handshake_timeout")
	l.dur(&s.WriteTimeout, raw.Session.WriteTimeout, "session", "write_timeout")
	l.dur(&s.HeartbeatInterval, raw.Session.HeartbeatInterval, "session", "heartbeat_interval")
	l.dur(&s.SessionDeadAfter, raw.Session.SessionDeadAfter, "session", "dead_after")
	l.dur(&s.AckTimeout, raw.Session.AckTimeout, "session", "ack_timeout")
	l.int(&s.QueueWarnDepth, raw.Session.QueueWarnDepth, "session", "queue_warn_depth")
	l.dur(&s.Backoff.InitialDelay, raw.Session.BackoffInitial, "session", "backoff_initial")
	l.dur(&s.Backoff.MaxDelay, raw.Session.BackoffMax, "session", "backoff_max")
	if meta.IsDefined("session", "backoff_multiplier") {
		s.Backoff.Multiplier = raw.Session.BackoffMultiplier
	}
	l.bool(&s.Backoff.Jitter, raw.Session.BackoffJitter, "session", "backoff_jitter")
	if meta.IsDefined("session", "security_mode") {
		s.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.Session.SecurityMode))
	}
	l.bool(&s.TLS.Enabled, raw.Session.TLS.Enabled, "session", "tls", "enabled")
	l.bool(&s.TLS.Mutual, raw.Session.TLS.Mutual, "session", "tls", "mutual")
	l.str(&s.TLS.CertFile, raw.Session.TLS.CertFile, "session", "tls", "cert_file")
	l.str(&s.TLS.KeyFile, raw.Session.TLS.KeyFile, "session", "tls", "key_file")
	l.str(&s.TLS.CAFile, raw.Session.TLS.CAFile, "session", "tls", "ca_file")
	l.str(&s.TLS.ServerName, raw.Session.TLS.ServerName, "session", "tls", "server_name")
	l.bool(&s.TLS.InsecureSkipVerify, raw.Session.TLS.InsecureSkipVerify, "session", "tls", "insecure_skip_verify")

	d := &cfg.Daemon
	l.str(&d.Server.Addr, raw.Daemon.ListenAddr, "daemon", "listen_addr")
	l.strs(&d.Server.AllowedOrigins, raw.Daemon.AllowedOrigins, "daemon", "allowed_origins")
	l.str(&d.URL, raw.Daemon.URL, "daemon", "url")
	l.str(&d.Token, raw.Daemon.Token, "daemon", "token")
	l.dur(&d.Spawn.LaunchTimeout, raw.Daemon.LaunchTimeout, "daemon", "launch_timeout")
	l.str(&d.WebhookURL, raw.Daemon.WebhookURL, "daemon", "webhook_url")
	l.str(&d.WebhookToken, raw.Daemon.WebhookToken, "daemon", "webhook_token")
	l.str(&d.Launcher, raw.Daemon.Launcher, "daemon", "launcher")
	l.str(&d.AgentPath, raw.Daemon.AgentPath, "daemon", "agent_path")
	l.str(&d.SSH.Host, raw.Daemon.SSH.Host, "daemon", "ssh", "host")
	l.str(&d.SSH.Port, raw.Daemon.SSH.Port, "daemon", "ssh", "port")
	l.str(&d.SSH.User, raw.Daemon.SSH.User, "daemon", "ssh", "user")
	l.str(&d.SSH.KeyPath, raw.Daemon.SSH.KeyPath, "daemon", "ssh", "key_path")
	l.str(&d.SSH.KnownHostsPath, raw.Daemon.SSH.KnownHostsPath, "daemon", "ssh", "known_hosts")
	l.bool(&d.SSH.InsecureSkipHostKeyChecking, raw.Daemon.SSH.InsecureSkipHostKey, "daemon", "ssh", "insecure_skip_host_key")
	l.dur(&d.SSH.Timeout, raw.Daemon.SSH.Timeout, "daemon", "ssh", "timeout")
	l.str(&d.SSH.Command, raw.Daemon.SSH.Command, "daemon", "ssh", "command")
	d.Spawn.DaemonURL = d.URL

	l.str(&cfg.Agent.MachineID, raw.Agent.MachineID, "agent", "machine_id")
	l.int(&cfg.Agent.MaxConnectAttempts, raw.Agent.MaxConnectAttempts, "agent", "max_connect_attempts")
	l.bool(&cfg.Agent.Echo, raw.Agent.Echo, "agent", "echo")

	if l.err != nil {
		return Config{}, l.err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loader applies defined keys onto defaults and keeps the first parse error.
type loader struct {
	meta toml.MetaData
	err  error
}

func (l *loader) str(dst *string, v string, keys ...string) {
	if l.meta.IsDefined(keys...) {
		*dst = strings.TrimSpace(v)
	}
}

func (l *loader) strs(dst *[]string, v []string, keys ...string) {
	if !l.meta.IsDefined(keys...) {
		return
	}
	out := make([]string, 0, len(v))
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (l *loader) int(dst *int, v int, keys ...string) {
	if l.meta.IsDefined(keys...) {
		*dst = v
	}
}

func (l *loader) bool(dst *bool, v bool, keys ...string) {
	if l.meta.IsDefined(keys...) {
		*dst = v
	}
}

func (l *loader) dur(dst *time.Duration, v string, keys ...string) {
	if l.err != nil || !l.meta.IsDefined(keys...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.err = fmt.Errorf("parse %s: %w", strings.Join(keys, "."), err)
		return
	}
	*dst = d
}
