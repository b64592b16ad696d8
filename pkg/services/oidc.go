package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/topology"
)

// OIDC builds a mock OIDC token issuer spec for OAUTHBEARER tests. The
// configure hook mints an RSA signing key and writes the matching JWKS
// document; the declared command is expected to serve it. Published
// attributes: "url", "jwks_url", "issuer", "jwks_file" and "key_file".
func OIDC(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()
	spec := baseSpec(decl, opts)
	spec.Probe = &probe.HTTP{URLKey: "jwks_url"}

	spec.Configure = func(_ context.Context, in *cluster.Instance, _ cluster.Projection) error {
		port, err := in.AllocatePort("port", portHint(decl.Config["port"]))
		if err != nil {
			return err
		}

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}

		keyPath := filepath.Join(in.WorkDir(), "signing-key.pem")
		keyPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: mustMarshalPKCS8(key),
		})
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return fmt.Errorf("write signing key: %w", err)
		}

		jwksPath := filepath.Join(in.WorkDir(), "jwks.json")
		jwks, err := jwksDocument(&key.PublicKey, "clusterup-oidc")
		if err != nil {
			return fmt.Errorf("build jwks: %w", err)
		}
		if err := os.WriteFile(jwksPath, jwks, 0o644); err != nil {
			return fmt.Errorf("write jwks: %w", err)
		}

		url := "http://localhost:" + strconv.Itoa(port)
		if err := in.SetConfig("url", url); err != nil {
			return err
		}
		if err := in.SetConfig("jwks_url", url+"/keys"); err != nil {
			return err
		}
		if err := in.SetConfig("issuer", confOr(decl.Config, "issuer", url)); err != nil {
			return err
		}
		if err := in.SetConfig("jwks_file", jwksPath); err != nil {
			return err
		}
		return in.SetConfig("key_file", keyPath)
	}
	return spec, nil
}

// jwksDocument renders an RSA public key as a JWKS document.
func jwksDocument(pub *rsa.PublicKey, kid string) ([]byte, error) {
	doc := map[string]interface{}{
		"keys": []map[string]string{
			{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// mustMarshalPKCS8 serializes an RSA key. Marshaling a freshly generated
// key cannot fail.
func mustMarshalPKCS8(key *rsa.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}
	return der
}
