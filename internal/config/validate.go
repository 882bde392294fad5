package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Recorder.Enabled {
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.MaxPending < c.Recorder.BatchSize {
			return fmt.Errorf("recorder.max_pending (%d) cannot be less than batch_size (%d)", c.Recorder.MaxPending, c.Recorder.BatchSize)
		}
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be between 1 and 65535, got %d", c.Status.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if s.URL == "" {
		return errors.New("stream.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("stream.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.url must use ws or wss, got %q", u.Scheme)
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)", s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.IdleTimeout <= s.HeartbeatInterval {
		return fmt.Errorf("stream.idle_timeout (%v) must exceed heartbeat_interval (%v)", s.IdleTimeout, s.HeartbeatInterval)
	}
	return nil
}

func (a *AuthConfig) validate() error {
	switch a.Mode {
	case "none":
		return nil
	case "static":
		if a.Token == "" {
			return errors.New("auth.token is required for static mode")
		}
		return nil
	case "jwt":
	default:
		return fmt.Errorf("auth.mode must be one of none, static, jwt, got %q", a.Mode)
	}

	if a.UserID == "" {
		return errors.New("auth.user_id is required for jwt mode")
	}
	switch a.Algorithm {
	case "HS256":
		if a.Secret == "" {
			return errors.New("auth.secret is required for HS256")
		}
	case "RS256":
		if a.PrivateKeyPath == "" {
			return errors.New("auth.private_key_path is required for RS256")
		}
	default:
		return fmt.Errorf("auth.algorithm must be HS256 or RS256, got %q", a.Algorithm)
	}
	if a.RefreshBefore >= a.TTL {
		return fmt.Errorf("auth.refresh_before (%v) must be less than ttl (%v)", a.RefreshBefore, a.TTL)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
