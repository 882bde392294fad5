package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultIdleTimeout        = 90 * time.Second
	DefaultReconnectBaseDelay = 250 * time.Millisecond
	DefaultReconnectMaxDelay  = 10 * time.Second
	DefaultReconnectJitter    = 250 * time.Millisecond
	DefaultRequestTimeout     = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultOutboxSize         = 64
	DefaultAuthMode           = "none"
	DefaultJWTAlgorithm       = "HS256"
	DefaultTokenTTL           = 15 * time.Minute
	DefaultTokenRefresh       = 1 * time.Minute
	DefaultSessionID          = "session-local"
	DefaultAgentTimeout       = 60 * time.Second
	DefaultAgentMaxRetries    = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultMaxPending         = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisKeyPrefix     = "barstream"
	DefaultStatusPort         = 8080
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	// Stream defaults
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = DefaultIdleTimeout
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Stream.ReconnectJitter == 0 {
		c.Stream.ReconnectJitter = DefaultReconnectJitter
	}
	if c.Stream.RequestTimeout == 0 {
		c.Stream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Stream.OutboxSize == 0 {
		c.Stream.OutboxSize = DefaultOutboxSize
	}

	// Auth defaults
	if c.Auth.Mode == "" {
		c.Auth.Mode = DefaultAuthMode
	}
	if c.Auth.Mode == "jwt" {
		if c.Auth.Algorithm == "" {
			c.Auth.Algorithm = DefaultJWTAlgorithm
		}
		if c.Auth.TTL == 0 {
			c.Auth.TTL = DefaultTokenTTL
		}
		if c.Auth.RefreshBefore == 0 {
			c.Auth.RefreshBefore = DefaultTokenRefresh
		}
	}

	// Aggregator defaults
	if c.Aggregator.DefaultSessionID == "" {
		c.Aggregator.DefaultSessionID = DefaultSessionID
	}

	// Agent defaults
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = DefaultAgentMaxRetries
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.MaxPending == 0 {
		c.Recorder.MaxPending = DefaultMaxPending
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// Status defaults
	if c.Status.Port == 0 {
		c.Status.Port = DefaultStatusPort
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
