package config

import "time"

// Config is the root configuration for a streamer instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Stream     StreamConfig     `yaml:"stream"`
	Auth       AuthConfig       `yaml:"auth"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Agent      AgentConfig      `yaml:"agent"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Status     StatusConfig     `yaml:"status"`
	Log        LogConfig        `yaml:"log"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds the WebSocket transport settings.
type StreamConfig struct {
	URL                string        `yaml:"url"`       // ws:// or wss:// endpoint
	Protocols          []string      `yaml:"protocols"` // Sub-protocols (token moves to the query when empty)
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter    time.Duration `yaml:"reconnect_jitter"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	OutboxSize         int           `yaml:"outbox_size"`
}

// AuthConfig selects the bearer token source for the stream connection.
type AuthConfig struct {
	Mode           string        `yaml:"mode"`             // none, static, jwt
	Token          string        `yaml:"token"`            // static mode
	UserID         string        `yaml:"user_id"`          // jwt subject
	Issuer         string        `yaml:"issuer"`           // jwt iss (optional)
	Algorithm      string        `yaml:"algorithm"`        // HS256 or RS256
	Secret         string        `yaml:"secret"`           // HS256 shared secret
	PrivateKeyPath string        `yaml:"private_key_path"` // RS256 PEM file
	TTL            time.Duration `yaml:"ttl"`
	RefreshBefore  time.Duration `yaml:"refresh_before"`
}

// AggregatorConfig holds candle aggregator settings.
type AggregatorConfig struct {
	SessionFilter    string `yaml:"session_filter"`
	DefaultSessionID string `yaml:"default_session_id"`
}

// AgentConfig holds the strategy agent REST settings.
type AgentConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"` // optional bearer key
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// RecorderConfig holds the bar archive writer settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPending    int           `yaml:"max_pending"`
}

// DatabaseConfig holds the TimescaleDB connection for archived bars.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the snapshot cache settings.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StatusConfig holds the HTTP status API settings.
type StatusConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Port         int      `yaml:"port"`
	AllowOrigins []string `yaml:"allow_origins"` // CORS origins; empty disables CORS
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
