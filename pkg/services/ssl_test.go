package services

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestCertAuthorityIssuesVerifiableCerts(t *testing.T) {
	ca, err := NewCertAuthority("test-ca")
	if err != nil {
		t.Fatalf("NewCertAuthority: %v", err)
	}

	bundle, err := ca.IssueServerCert("broker-0", []string{"localhost", "broker-0", "10.0.0.5"})
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}

	block, _ := pem.Decode(bundle.CertPEM)
	if block == nil {
		t.Fatal("certificate PEM did not decode")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(ca.CertPEM()) {
		t.Fatal("CA PEM not accepted into pool")
	}
	for _, host := range []string{"localhost", "broker-0", "127.0.0.1", "10.0.0.5"} {
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:   roots,
			DNSName: host,
			KeyUsages: []x509.ExtKeyUsage{
				x509.ExtKeyUsageServerAuth,
			},
		}); err != nil {
			t.Errorf("verify for %s: %v", host, err)
		}
	}
}

func TestWriteCombinedPEM(t *testing.T) {
	ca, err := NewCertAuthority("test-ca")
	if err != nil {
		t.Fatalf("NewCertAuthority: %v", err)
	}
	bundle, err := ca.IssueServerCert("svc", []string{"localhost"})
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}

	path := filepath.Join(t.TempDir(), "combined.pem")
	if err := bundle.WriteCombinedPEM(path); err != nil {
		t.Fatalf("WriteCombinedPEM: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Key first, then certificate.
	keyBlock, rest := pem.Decode(data)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		t.Fatalf("first block = %v, want PRIVATE KEY", keyBlock)
	}
	certBlock, _ := pem.Decode(rest)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		t.Fatalf("second block = %v, want CERTIFICATE", certBlock)
	}
}
