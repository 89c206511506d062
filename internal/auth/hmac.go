package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims mirrors the HMAC-signed JSON claim set from spec §4.5:
// {sub, iat, exp, iss, aud, protocols[], regions[], reverse_tunnel?,
// allowed_agents?[], allowed_addresses?[]}.
type claims struct {
	jwt.RegisteredClaims
	Protocols        []string `json:"protocols,omitempty"`
	Regions          []string `json:"regions,omitempty"`
	ReverseTunnel    bool     `json:"reverse_tunnel,omitempty"`
	AllowedAgents    []string `json:"allowed_agents,omitempty"`
	AllowedAddresses []string `json:"allowed_addresses,omitempty"`
}

// HMACVerifier validates HMAC-SHA256-signed tokens against a single
// signing key, optionally requiring a specific issuer and/or
// audience.
type HMACVerifier struct {
	key              []byte
	requiredIssuer   string
	requiredAudience string
}

// HMACOption configures an HMACVerifier.
type HMACOption func(*HMACVerifier)

// WithRequiredIssuer rejects any token whose iss claim does not
// equal issuer.
func WithRequiredIssuer(issuer string) HMACOption {
	return func(v *HMACVerifier) { v.requiredIssuer = issuer }
}

// WithRequiredAudience rejects any token whose aud claim does not
// contain audience.
func WithRequiredAudience(audience string) HMACOption {
	return func(v *HMACVerifier) { v.requiredAudience = audience }
}

// NewHMACVerifier constructs a verifier signing/validating with key.
func NewHMACVerifier(key []byte, opts ...HMACOption) *HMACVerifier {
	v := &HMACVerifier{key: key}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate decodes and verifies token, returning ErrAuthFailed for
// every failure mode uniformly: malformed structure, wrong algorithm,
// bad signature, expiry, or issuer/audience mismatch (spec §4.5).
func (v *HMACVerifier) Validate(ctx context.Context, token string) (Result, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Result{}, ErrAuthFailed
	}

	if v.requiredIssuer != "" && c.Issuer != v.requiredIssuer {
		return Result{}, ErrAuthFailed
	}
	if v.requiredAudience != "" && !contains([]string(c.Audience), v.requiredAudience) {
		return Result{}, ErrAuthFailed
	}

	return Result{
		TunnelID:         c.Subject,
		AllowedProtocols: c.Protocols,
		AllowedRegions:   c.Regions,
		ReverseTunnel:    c.ReverseTunnel,
		AllowedAgents:    c.AllowedAgents,
		AllowedAddresses: c.AllowedAddresses,
	}, nil
}

// Sign issues a token for tunnelID with the given TTL. Used by tests
// and by any operator-side token-minting helper; the relay itself
// never signs tokens for clients (those are issued out of band), only
// validates them.
func (v *HMACVerifier) Sign(tunnelID string, ttl time.Duration, opts ...func(*claims)) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tunnelID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    v.requiredIssuer,
		},
	}
	for _, opt := range opts {
		opt(&c)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(v.key)
}
