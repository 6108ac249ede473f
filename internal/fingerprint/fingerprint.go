// Package fingerprint turns caller supplied certificate digests into the
// verification configuration a client uses to pin a server certificate that
// is not chain validated by a public root.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

var (
	// ErrUnsupportedAlgorithm is returned for any digest algorithm other than SHA-256.
	ErrUnsupportedAlgorithm = errors.New("fingerprint: unsupported digest algorithm")

	// ErrInvalidDigest is returned when a digest does not match the algorithm's length.
	ErrInvalidDigest = errors.New("fingerprint: invalid digest")

	// ErrNotPinned is returned by Verify when no configured digest matches the leaf.
	ErrNotPinned = errors.New("fingerprint: server certificate does not match any pinned digest")
)

// MaxPinnedValidity is the longest validity period accepted for a pinned
// certificate, as required for WebTransport serverCertificateHashes.
const MaxPinnedValidity = 14 * 24 * time.Hour

// Algorithm identifies a digest algorithm.
type Algorithm int

const (
	// SHA256 is the only supported algorithm.
	SHA256 Algorithm = iota + 1
)

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha-256"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// Size returns the digest length in bytes, or zero for unknown algorithms.
func (a Algorithm) Size() int {
	if a == SHA256 {
		return sha256.Size
	}
	return 0
}

// ParseAlgorithm maps the textual names used by WebTransport and the CLI.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha-256", "sha256":
		return SHA256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// Record is a single certificate fingerprint.
type Record struct {
	Algorithm Algorithm
	Digest    []byte
}

// Validate checks the algorithm is supported and the digest length matches it.
func (r Record) Validate() error {
	if r.Algorithm != SHA256 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, r.Algorithm)
	}
	if len(r.Digest) != r.Algorithm.Size() {
		return fmt.Errorf("%w: %s digest must be %d bytes, got %d", ErrInvalidDigest, r.Algorithm, r.Algorithm.Size(), len(r.Digest))
	}
	return nil
}

// String renders the record in a compact base58 form for logs.
func (r Record) String() string {
	return r.Algorithm.String() + ":" + base58.Encode(r.Digest)
}

// Hex renders the digest as colon separated upper case hex pairs.
func (r Record) Hex() string {
	pairs := make([]string, len(r.Digest))
	for i, b := range r.Digest {
		pairs[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(pairs, ":")
}

// Parse builds a record from an algorithm name and a hex digest. The digest
// may be plain hex or colon separated pairs.
func Parse(algorithm, digest string) (Record, error) {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return Record{}, err
	}

	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(digest), ":", ""))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}

	rec := Record{Algorithm: alg, Digest: raw}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Of computes the SHA-256 record of a DER encoded certificate.
func Of(der []byte) Record {
	sum := sha256.Sum256(der)
	return Record{Algorithm: SHA256, Digest: sum[:]}
}

// Config is the internal verification representation. A zero Config means no
// pinning: the standard chain validation path is used.
type Config struct {
	// Pins preserves the caller's order; verification stops at the first match.
	Pins []Record
	// MaxValidity bounds the validity period of a pinned leaf.
	MaxValidity time.Duration
}

// Translate converts caller records into a Config. An empty input is not an
// error and yields the zero Config.
func Translate(records []Record) (Config, error) {
	if len(records) == 0 {
		return Config{}, nil
	}

	pins := make([]Record, 0, len(records))
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return Config{}, fmt.Errorf("fingerprint %d: %w", i, err)
		}
		digest := make([]byte, len(rec.Digest))
		copy(digest, rec.Digest)
		pins = append(pins, Record{Algorithm: rec.Algorithm, Digest: digest})
	}

	return Config{Pins: pins, MaxValidity: MaxPinnedValidity}, nil
}

// Pinned reports whether fingerprint pinning replaces chain validation.
func (c Config) Pinned() bool {
	return len(c.Pins) > 0
}

// Match returns the index of the first pin matching the DER certificate.
func (c Config) Match(der []byte) (int, bool) {
	sum := sha256.Sum256(der)
	for i, pin := range c.Pins {
		if subtle.ConstantTimeCompare(pin.Digest, sum[:]) == 1 {
			return i, true
		}
	}
	return -1, false
}

// Verify accepts the presented chain when its leaf matches a pin and the leaf
// is currently valid for no longer than MaxValidity.
func (c Config) Verify(rawCerts [][]byte, now time.Time) error {
	if len(rawCerts) == 0 {
		return errors.New("fingerprint: server presented no certificate")
	}

	if _, ok := c.Match(rawCerts[0]); !ok {
		return ErrNotPinned
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("fingerprint: parse server certificate: %w", err)
	}

	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("fingerprint: pinned certificate is outside its validity period (%s - %s)",
			leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
	}

	if c.MaxValidity > 0 && leaf.NotAfter.Sub(leaf.NotBefore) > c.MaxValidity {
		return fmt.Errorf("fingerprint: pinned certificate validity exceeds %s", c.MaxValidity)
	}

	return nil
}

// ApplyTo configures tls for this verification mode. Without pins the config
// is left untouched and the system roots validate the chain.
func (c Config) ApplyTo(cfg *tls.Config) {
	if !c.Pinned() {
		return
	}

	// chain verification is replaced by the pin check
	cfg.InsecureSkipVerify = true // #nosec G402 - verified by VerifyPeerCertificate
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return c.Verify(rawCerts, time.Now())
	}
}
