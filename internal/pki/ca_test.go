package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestNewCAFromSeedDeterministic(t *testing.T) {
	ca1, err := NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected identical CA certs for the same seed")
	}

	block, _ := pem.Decode(ca1.CertPEM())
	if block == nil {
		t.Fatal("failed to decode CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if !cert.IsCA {
		t.Error("expected IsCA to be true")
	}
	if cert.Subject.CommonName != "relaymesh-ca" {
		t.Errorf("expected CN=relaymesh-ca, got %s", cert.Subject.CommonName)
	}
}

func TestNewCAFromSeedDiffersPerSeed(t *testing.T) {
	ca1, err := NewCAFromSeed("seed-a")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("seed-b")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected different CA certs for different seeds")
	}
}

func TestGenerateServerCert(t *testing.T) {
	ca, err := NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	certPEM, keyPEM, err := ca.GenerateServerCert("127.0.0.1", "example.com")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("expected IP SAN 127.0.0.1, got %v", cert.IPAddresses)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "example.com" {
		t.Errorf("expected DNS SAN example.com, got %v", cert.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestDeriveHMACKeyDeterministicPerLabel(t *testing.T) {
	ca, err := NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	k1, err := ca.DeriveHMACKey("client-token")
	if err != nil {
		t.Fatalf("DeriveHMACKey: %v", err)
	}
	k2, err := ca.DeriveHMACKey("client-token")
	if err != nil {
		t.Fatalf("DeriveHMACKey: %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("expected identical keys for the same seed and label")
	}

	k3, err := ca.DeriveHMACKey("agent-token")
	if err != nil {
		t.Fatalf("DeriveHMACKey: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("expected different keys for different labels")
	}
}

func TestDeriveKeySize(t *testing.T) {
	key, err := DeriveKey("seed", "label", 16)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(key) != 16 {
		t.Errorf("expected 16-byte key, got %d", len(key))
	}
}
