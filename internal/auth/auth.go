// Package auth provides bearer token sources for the stream connection.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/rickgao/barstream/internal/config"
	"github.com/rickgao/barstream/internal/connection"
)

// Static is a fixed token. An empty Static connects anonymously.
type Static string

// Token implements connection.TokenProvider.
func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

// NewFromConfig builds the token provider selected by cfg.Mode.
// Mode "none" returns a nil provider.
func NewFromConfig(cfg config.AuthConfig) (connection.TokenProvider, error) {
	switch cfg.Mode {
	case "", "none":
		return nil, nil

	case "static":
		if cfg.Token == "" {
			return nil, fmt.Errorf("static token is required")
		}
		return Static(cfg.Token), nil

	case "jwt":
		opts := JWTOptions{
			Subject:       cfg.UserID,
			Issuer:        cfg.Issuer,
			TTL:           cfg.TTL,
			RefreshBefore: cfg.RefreshBefore,
		}
		var (
			p   *JWTProvider
			err error
		)
		switch cfg.Algorithm {
		case "", "HS256":
			p, err = NewHS256(cfg.Secret, opts)
		case "RS256":
			key, loadErr := LoadPrivateKey(cfg.PrivateKeyPath)
			if loadErr != nil {
				return nil, fmt.Errorf("load private key: %w", loadErr)
			}
			p, err = NewRS256(key, opts)
		default:
			return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
		}
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}
