package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/barstream/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from config.
// User and password are escaped, IPv6 hosts are bracketed, and sslmode
// defaults to prefer.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}
