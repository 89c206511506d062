package httpsfwd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/relaymesh/relay/internal/pki"
)

// errNoSNI is returned for a ClientHello with no server_name
// extension: every HTTPS route in this relay is keyed by hostname, so
// there is no certificate to present for an anonymous connection.
var errNoSNI = errors.New("httpsfwd: no sni hostname presented")

// PKICertResolver generates and caches a server certificate per
// hostname using the relay's own CA (the same CA internal/pki uses to
// issue the relay's own listener certificate), rather than requiring
// an operator to provision one certificate per tunneled hostname by
// hand. Generated certificates are cached for the process lifetime;
// CA.GenerateServerCert already bounds their validity.
type PKICertResolver struct {
	ca *pki.CA

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// NewPKICertResolver returns a resolver backed by ca.
func NewPKICertResolver(ca *pki.CA) *PKICertResolver {
	return &PKICertResolver{ca: ca, cache: make(map[string]*tls.Certificate)}
}

// Resolve implements CertResolver.
func (r *PKICertResolver) Resolve(hostname string) (*tls.Certificate, error) {
	if hostname == "" {
		return nil, errNoSNI
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cert, ok := r.cache[hostname]; ok {
		return cert, nil
	}

	certPEM, keyPEM, err := r.ca.GenerateServerCert(hostname)
	if err != nil {
		return nil, fmt.Errorf("httpsfwd: generate certificate for %q: %w", hostname, err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("httpsfwd: parse generated certificate for %q: %w", hostname, err)
	}

	r.cache[hostname] = &pair
	return &pair, nil
}
