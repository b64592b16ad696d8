package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/topology"
)

// SSL builds a certificate authority instance. It is not a process:
// nothing is spawned and readiness is immediate. Configure mints one CA
// under a perm-classed path and publishes "ca_cert", "ca_key", and
// "key_password" attributes, so every dependent service and its clients
// share the same trust anchor.
func SSL(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()
	spec := baseSpec(decl, opts)
	spec.Command = nil
	spec.Probe = probe.Static(true)
	spec.Configure = func(_ context.Context, in *cluster.Instance, _ cluster.Projection) error {
		dir, err := in.MkPath("ca", cluster.PathPerm)
		if err != nil {
			return err
		}
		ca, err := NewCertAuthority(confOr(decl.Config, "cn", "clusterup-"+in.Name()))
		if err != nil {
			return fmt.Errorf("create certificate authority: %w", err)
		}
		certPath := filepath.Join(dir, "ca.pem")
		keyPath := filepath.Join(dir, "ca-key.pem")
		if err := ca.WriteCertPEM(certPath); err != nil {
			return err
		}
		if err := ca.WriteKeyPEM(keyPath); err != nil {
			return err
		}

		password := confOr(decl.Config, "key_password", "")
		if password == "" {
			password, err = randomPassword()
			if err != nil {
				return err
			}
		}

		if err := in.SetConfig("ca_cert", certPath); err != nil {
			return err
		}
		if err := in.SetConfig("ca_key", keyPath); err != nil {
			return err
		}
		return in.SetConfig("key_password", password)
	}
	return spec, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CertAuthority is a throwaway certificate authority for test clusters.
// Its certificates are valid for 24 hours.
type CertAuthority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	certPEM []byte
}

// CertBundle holds an issued certificate and its private key.
type CertBundle struct {
	CertPEM []byte
	KeyPEM  []byte
}

const certLifetime = 24 * time.Hour

// NewCertAuthority mints a self-signed CA with the given common name.
func NewCertAuthority(commonName string) (*CertAuthority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(certLifetime),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return &CertAuthority{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// CertPEM returns the CA certificate in PEM form.
func (ca *CertAuthority) CertPEM() []byte {
	return ca.certPEM
}

// WriteCertPEM writes the CA certificate to a file.
func (ca *CertAuthority) WriteCertPEM(path string) error {
	return os.WriteFile(path, ca.certPEM, 0o644)
}

// WriteKeyPEM writes the CA private key to a file.
func (ca *CertAuthority) WriteKeyPEM(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(ca.key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600)
}

// LoadCertAuthority reads a CA back from its certificate and key files,
// so instances configured later can sign with an authority published by
// an earlier one.
func LoadCertAuthority(certPath, keyPath string) (*CertAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no certificate PEM in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no key PEM in %s", keyPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key in %s is not RSA", keyPath)
	}

	return &CertAuthority{cert: cert, key: key, certPEM: certPEM}, nil
}

// IssueServerCert issues a server certificate for the given hosts. Hosts
// that parse as IP addresses become IP SANs; the rest become DNS SANs.
// The loopback addresses are always included.
func (ca *CertAuthority) IssueServerCert(commonName string, hosts []string) (*CertBundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal server key: %w", err)
	}

	return &CertBundle{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// WriteCombinedPEM writes the private key followed by the certificate
// into a single file, the layout PEM keystores expect.
func (b *CertBundle) WriteCombinedPEM(path string) error {
	combined := append(append([]byte{}, b.KeyPEM...), b.CertPEM...)
	return os.WriteFile(path, combined, 0o600)
}

// WritePEM writes the certificate and key to separate files.
func (b *CertBundle) WritePEM(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, b.CertPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, b.KeyPEM, 0o600)
}
