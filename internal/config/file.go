package config

// fileConfig mirrors the TOML layout. Durations are strings such as "5s".
type fileConfig struct {
	Relay    relayFile    `toml:"relay"`
	Registry registryFile `toml:"registry"`
	Session  sessionFile  `toml:"session"`
	Daemon   daemonFile   `toml:"daemon"`
	Agent    agentFile    `toml:"agent"`
}

type relayFile struct {
	URL              string   `toml:"url" comment:"relay HTTP base used by agents and the CLI"`
	Token            string   `toml:"token" comment:"bearer token sent to the relay"`
	ListenAddr       string   `toml:"listen_addr" comment:"address for 'edgesession relay'"`
	AllowedOrigins   []string `toml:"allowed_origins"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	ReadDeadAfter    string   `toml:"read_dead_after"`
	JWTSecret        string   `toml:"jwt_secret" comment:"when set the relay only accepts signed tokens"`
	JWTIssuer        string   `toml:"jwt_issuer"`
	JWTAudience      string   `toml:"jwt_audience"`
	JWTTTL           string   `toml:"jwt_ttl"`
}

type registryFile struct {
	Backend        string `toml:"backend" comment:"memory | file | redis | sqlite"`
	Dir            string `toml:"dir"`
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	RedisPrefix    string `toml:"redis_prefix"`
	SQLitePath     string `toml:"sqlite_path"`
	SQLitePoolSize int    `toml:"sqlite_pool_size"`
	Variant        string `toml:"variant" comment:"legacy | dataKey"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type sessionFile struct {
	ConnectTimeout    string  `toml:"connect_timeout"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	SessionDeadAfter  string  `toml:"dead_after"`
	AckTimeout        string  `toml:"ack_timeout"`
	QueueWarnDepth    int     `toml:"queue_warn_depth"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
	SecurityMode      string  `toml:"security_mode" comment:"development | production"`
	TLS               tlsFile `toml:"tls"`
}

type sshFile struct {
	Host                string `toml:"host"`
	Port                string `toml:"port"`
	User                string `toml:"user"`
	KeyPath             string `toml:"key_path"`
	KnownHostsPath      string `toml:"known_hosts"`
	InsecureSkipHostKey bool   `toml:"insecure_skip_host_key"`
	Timeout             string `toml:"timeout"`
	Command             string `toml:"command"`
}

type daemonFile struct {
	ListenAddr     string   `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	URL            string   `toml:"url" comment:"daemon URL exported to launched agents"`
	Token          string   `toml:"token"`
	LaunchTimeout  string   `toml:"launch_timeout"`
	WebhookURL     string   `toml:"webhook_url" comment:"launch reports are POSTed here when set"`
	WebhookToken   string   `toml:"webhook_token"`
	Launcher       string   `toml:"launcher" comment:"exec | ssh"`
	AgentPath      string   `toml:"agent_path" comment:"defaults to the running executable"`
	SSH            sshFile  `toml:"ssh"`
}

type agentFile struct {
	MachineID          string `toml:"machine_id"`
	MaxConnectAttempts int    `toml:"max_connect_attempts" comment:"0 retries forever"`
	Echo               bool   `toml:"echo"`
}
