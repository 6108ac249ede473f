// Package identity loads the certificate and key a server presents during
// the TLS handshake, either from a PEM file pair or from a PKCS#12 archive.
package identity

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/wolfeidau/wtransport/internal/fingerprint"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// ErrUnavailable covers every identity failure: missing files, corrupt
// material, key mismatch and wrong archive password.
var ErrUnavailable = errors.New("identity: unavailable")

// Provider answers the handshake queries from loaded material. It is
// immutable once Load returns it.
type Provider struct {
	kind Kind
	cert tls.Certificate
}

// Load initializes a provider for source synchronously on the calling
// goroutine. On error no provider is returned.
func Load(source Source) (*Provider, error) {
	if err := source.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var (
		cert tls.Certificate
		err  error
	)
	switch source.kind {
	case KindFilePair:
		cert, err = loadFilePair(source.certPath, source.keyPath)
	case KindArchive:
		cert, err = loadArchive(source.archivePath, source.password)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, source.kind, err)
	}

	return &Provider{kind: source.kind, cert: cert}, nil
}

func loadFilePair(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return cert, nil
}

func loadArchive(archivePath string, password Password) (tls.Certificate, error) {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read archive: %w", err)
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, string(password))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode archive: %w", err)
	}

	if err := verifyCertKeyPair(leaf, key); err != nil {
		return tls.Certificate{}, fmt.Errorf("archive key and certificate do not match: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range chain {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}

	return cert, nil
}

// verifyCertKeyPair checks that a certificate's public key matches a private key
func verifyCertKeyPair(cert *x509.Certificate, key any) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key of type %T cannot sign", key)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("public key of type %T is not comparable", signer.Public())
	}

	if !pub.Equal(cert.PublicKey) {
		return errors.New("public keys do not match")
	}

	return nil
}

// Kind reports which variant backs the provider.
func (p *Provider) Kind() Kind { return p.kind }

// Leaf returns the parsed leaf certificate.
func (p *Provider) Leaf() *x509.Certificate { return p.cert.Leaf }

// Fingerprint is the SHA-256 record of the leaf certificate.
func (p *Provider) Fingerprint() fingerprint.Record {
	return fingerprint.Of(p.cert.Certificate[0])
}

// GetCertificate supplies the chain and signer for a handshake.
func (p *Provider) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return &p.cert, nil
}

// VerifyClientCertificate is the decision for client presented certificates.
// Servers do not request client certificates, so anything presented is
// accepted without chain validation.
func (p *Provider) VerifyClientCertificate([][]byte, [][]*x509.Certificate) error {
	return nil
}

// TLSConfig returns a server configuration backed by the provider.
func (p *Provider) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate:        p.GetCertificate,
		VerifyPeerCertificate: p.VerifyClientCertificate,
		ClientAuth:            tls.NoClientCert,
		MinVersion:            tls.VersionTLS13,
	}
}
