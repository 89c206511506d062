// Package pki provides a minimal Certificate Authority used to mint
// the relay's own TLS server certificates, plus an HKDF-based key
// derivation helper for the other secrets the relay derives from a
// single operator-provided seed (the client-token and agent-token HMAC
// keys).
//
// The CA is created deterministically from a seed string so that
// restarts produce the same CA certificate, keeping certificates the
// relay has already handed out (e.g. cached per-hostname HTTPS certs,
// spec §4.9) valid without requiring a persistent cert store.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"
)

// caEpoch is the fixed time origin used for the deterministic CA
// certificate. Using a constant avoids the non-determinism that
// time.Now() would introduce, ensuring the CA certificate is
// byte-identical across restarts for the same seed.
var caEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// CA holds a self-signed certificate authority key pair and issues
// server certificates from it.
type CA struct {
	seed    string
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

// NewCAFromSeed creates a deterministic CA from the given seed string.
// The same seed always produces the same CA key pair and certificate.
func NewCAFromSeed(seed string) (*CA, error) {
	key, err := deriveKey(seed, "ca")
	if err != nil {
		return nil, fmt.Errorf("pki: derive CA key: %w", err)
	}

	serial := deriveSerial(seed, "ca-serial")

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"relaymesh"},
			CommonName:   "relaymesh-ca",
		},
		NotBefore:             caEpoch,
		NotAfter:              caEpoch.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	// A nil rand makes the ECDSA signature deterministic (RFC 6979),
	// so the CA certificate is byte-identical across restarts for the
	// same seed.
	certDER, err := x509.CreateCertificate(nil, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return &CA{seed: seed, cert: cert, key: key, certPEM: certPEM}, nil
}

// CertPEM returns the PEM-encoded CA certificate.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// GenerateServerCert creates a TLS server certificate signed by the
// CA. hosts accepts IP addresses and DNS names, added as Subject
// Alternative Names — used both for the relay's own listener
// certificate (SANs: the configured public host) and, by
// internal/forwarder/httpsfwd, for one certificate per tunneled
// hostname (spec §4.9).
func (ca *CA) GenerateServerCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"relaymesh"},
			CommonName:   "relaymesh-relay",
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create server cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal server key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// DeriveHMACKey derives a 32-byte key from the CA's seed and label
// using HKDF (RFC 5869). The same (seed, label) pair always yields
// the same key; distinct labels yield independent keys from one
// operator-provided secret — used for the client-token and
// agent-token HMAC keys.
func (ca *CA) DeriveHMACKey(label string) ([]byte, error) {
	return DeriveKey(ca.seed, label, 32)
}

// DeriveKey derives a size-byte key from seed and label using HKDF
// (RFC 5869), for callers that need a derived secret without
// constructing a full CA.
func DeriveKey(seed, label string, size int) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(seed), nil, []byte(label))
	key := make([]byte, size)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("pki: derive key %q: %w", label, err)
	}
	return key, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// deriveKey deterministically produces an ECDSA P-256 private key
// from a seed and a label using HKDF: the first 32-byte HKDF block
// that is a valid P-256 scalar becomes the private key.
func deriveKey(seed, label string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, []byte(seed), nil, []byte(label))
	n := elliptic.P256().Params().N
	b := make([]byte, 32)
	for {
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		if k := new(big.Int).SetBytes(b); k.Sign() > 0 && k.Cmp(n) < 0 {
			return ecdsa.ParseRawPrivateKey(elliptic.P256(), b)
		}
	}
}

// deriveSerial produces a deterministic positive big.Int from a seed
// and label, suitable for use as a certificate serial number.
func deriveSerial(seed, label string) *big.Int {
	h := sha256.Sum256([]byte(label + ":" + seed))
	serial := new(big.Int).SetBytes(h[:16])
	serial.Abs(serial)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial
}

// randomSerial generates a cryptographically random serial number.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}
	return serial, nil
}
