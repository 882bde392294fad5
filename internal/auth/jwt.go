package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTOptions configures minted tokens.
type JWTOptions struct {
	Subject       string        // sub claim (user id)
	Issuer        string        // iss claim, omitted when empty
	TTL           time.Duration // Token lifetime (default 15m)
	RefreshBefore time.Duration // Re-mint this long before expiry (default 1m)

	// Now is the clock used for iat/exp (default time.Now).
	Now func() time.Time
}

// JWTProvider mints short-lived signed tokens and caches them until they
// are within RefreshBefore of expiring.
type JWTProvider struct {
	method jwt.SigningMethod
	key    any
	opts   JWTOptions

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewHS256 creates a provider signing with a shared secret.
func NewHS256(secret string, opts JWTOptions) (*JWTProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("hmac secret is required")
	}
	return newJWTProvider(jwt.SigningMethodHS256, []byte(secret), opts)
}

// NewRS256 creates a provider signing with an RSA private key.
func NewRS256(key *rsa.PrivateKey, opts JWTOptions) (*JWTProvider, error) {
	if key == nil {
		return nil, fmt.Errorf("rsa private key is required")
	}
	return newJWTProvider(jwt.SigningMethodRS256, key, opts)
}

func newJWTProvider(method jwt.SigningMethod, key any, opts JWTOptions) (*JWTProvider, error) {
	if opts.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.RefreshBefore <= 0 {
		opts.RefreshBefore = time.Minute
	}
	if opts.RefreshBefore >= opts.TTL {
		return nil, fmt.Errorf("refresh window %v must be shorter than ttl %v", opts.RefreshBefore, opts.TTL)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &JWTProvider{method: method, key: key, opts: opts}, nil
}

// Token implements connection.TokenProvider.
func (p *JWTProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	if p.token != "" && now.Before(p.expires.Add(-p.opts.RefreshBefore)) {
		return p.token, nil
	}

	expires := now.Add(p.opts.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   p.opts.Subject,
		Issuer:    p.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(p.method, claims).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	p.token = signed
	p.expires = expires
	return signed, nil
}
