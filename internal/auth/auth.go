// Package auth implements the relay's token verifier contract (spec
// §4.5): an abstract Verifier interface plus a built-in HMAC-signed
// claims implementation.
package auth

import (
	"context"
	"errors"
)

// ErrAuthFailed is returned for every verification failure. No
// further detail about which check failed (bad signature, expired,
// wrong audience, malformed structure) ever leaves this package — the
// caller logs internally and reports only a generic rejection to the
// peer (spec §4.5/§7).
var ErrAuthFailed = errors.New("auth: token rejected")

// Result is the decoded, validated outcome of a token. Fields beyond
// TunnelID are optional; a zero value (nil slice/map, false flag)
// means "unset", not "empty and therefore restrictive" — callers must
// treat an empty AllowedProtocols/Regions/Agents/Addresses list as "no
// restriction", matching validate_reverse_access's semantics.
type Result struct {
	TunnelID         string
	AllowedProtocols []string
	AllowedRegions   []string
	ReverseTunnel    bool
	AllowedAgents    []string
	AllowedAddresses []string
	Metadata         map[string]string
}

// ValidateReverseAccess reports whether agentID and remoteAddress are
// permitted by this Result's restrictions: ok iff (AllowedAgents is
// empty or contains agentID) AND (AllowedAddresses is empty or
// contains remoteAddress) — spec §4.5.
func (r Result) ValidateReverseAccess(agentID, remoteAddress string) bool {
	if len(r.AllowedAgents) > 0 && !contains(r.AllowedAgents, agentID) {
		return false
	}
	if len(r.AllowedAddresses) > 0 && !contains(r.AllowedAddresses, remoteAddress) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Verifier is the abstract contract every auth backend implements.
type Verifier interface {
	Validate(ctx context.Context, token string) (Result, error)
}
