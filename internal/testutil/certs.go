// Package testutil generates throwaway certificate material for tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Cert is a self-signed ECDSA P-256 certificate and its key.
type Cert struct {
	DER  []byte
	Leaf *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// CertOption adjusts the generated template.
type CertOption func(*x509.Certificate)

// WithValidity sets NotBefore to now minus one minute and NotAfter to NotBefore plus d.
func WithValidity(d time.Duration) CertOption {
	return func(tmpl *x509.Certificate) {
		tmpl.NotBefore = time.Now().Add(-time.Minute)
		tmpl.NotAfter = tmpl.NotBefore.Add(d)
	}
}

// NewCert creates a localhost certificate valid for ten days by default.
func NewCert(t testing.TB, opts ...CertOption) *Cert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost", "example.test"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(10 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, opt := range opts {
		opt(tmpl)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Cert{DER: der, Leaf: leaf, Key: key}
}

// CertPEM returns the PEM encoded certificate.
func (c *Cert) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// KeyPEM returns the PEM encoded EC private key.
func (c *Cert) KeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(c.Key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// WritePair writes cert.pem and key.pem into dir and returns their paths.
func (c *Cert) WritePair(t testing.TB, dir string) (certPath, keyPath string) {
	t.Helper()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, c.CertPEM(), 0o600))
	require.NoError(t, os.WriteFile(keyPath, c.KeyPEM(t), 0o600))
	return certPath, keyPath
}

// WriteArchive writes a password protected PKCS#12 bundle into dir.
func (c *Cert) WriteArchive(t testing.TB, dir, password string) string {
	t.Helper()
	pfx, err := pkcs12.Modern.Encode(c.Key, c.Leaf, nil, password)
	require.NoError(t, err)

	path := filepath.Join(dir, "identity.pfx")
	require.NoError(t, os.WriteFile(path, pfx, 0o600))
	return path
}

// FreeUDPPort returns a loopback UDP port that was free at the time of the call.
func FreeUDPPort(t testing.TB) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}
