package identity

import (
	"errors"
	"fmt"
)

// Kind discriminates the identity material a server presents.
type Kind int

const (
	// KindFilePair is a PEM certificate file and a separate PEM private key file.
	KindFilePair Kind = iota + 1
	// KindArchive is a single password protected PKCS#12 bundle.
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindFilePair:
		return "file-pair"
	case KindArchive:
		return "archive"
	default:
		return "unset"
	}
}

// Password is an opaque secret. It never renders its contents.
type Password []byte

func (Password) String() string   { return "REDACTED" }
func (Password) GoString() string { return "identity.Password(REDACTED)" }

// MarshalText keeps the secret out of encoders and zerolog's Interface fields.
func (Password) MarshalText() ([]byte, error) { return []byte("REDACTED"), nil }

// Source selects exactly one identity variant. Build it with FilePair or Archive.
type Source struct {
	kind        Kind
	certPath    string
	keyPath     string
	archivePath string
	password    Password
}

// FilePair selects separate PEM certificate and key files.
func FilePair(certPath, keyPath string) Source {
	return Source{kind: KindFilePair, certPath: certPath, keyPath: keyPath}
}

// Archive selects a PKCS#12 bundle unlocked by password.
func Archive(archivePath string, password []byte) Source {
	pw := make(Password, len(password))
	copy(pw, password)
	return Source{kind: KindArchive, archivePath: archivePath, password: pw}
}

// FromPaths chooses the variant from optional arguments: a certificate and
// key pair or an archive. Supplying both or neither is rejected, as is a
// password without an archive.
func FromPaths(certPath, keyPath, archivePath string, password []byte) (Source, error) {
	hasPair := certPath != "" || keyPath != ""
	hasArchive := archivePath != ""

	switch {
	case hasPair && hasArchive:
		return Source{}, fmt.Errorf("%w: both a certificate/key pair and an archive were supplied", ErrUnavailable)
	case hasPair:
		if certPath == "" || keyPath == "" {
			return Source{}, fmt.Errorf("%w: certificate and key paths must both be set", ErrUnavailable)
		}
		if len(password) > 0 {
			return Source{}, fmt.Errorf("%w: a password applies only to an archive", ErrUnavailable)
		}
		return FilePair(certPath, keyPath), nil
	case hasArchive:
		return Archive(archivePath, password), nil
	default:
		return Source{}, fmt.Errorf("%w: no identity material supplied", ErrUnavailable)
	}
}

// Kind returns the selected variant.
func (s Source) Kind() Kind { return s.kind }

// String describes the source without the password.
func (s Source) String() string {
	switch s.kind {
	case KindFilePair:
		return fmt.Sprintf("file-pair(cert=%s key=%s)", s.certPath, s.keyPath)
	case KindArchive:
		return fmt.Sprintf("archive(%s)", s.archivePath)
	default:
		return "unset"
	}
}

func (s Source) validate() error {
	switch s.kind {
	case KindFilePair:
		if s.certPath == "" || s.keyPath == "" {
			return errors.New("certificate and key paths must both be set")
		}
		if s.archivePath != "" {
			return errors.New("file pair source carries an archive path")
		}
	case KindArchive:
		if s.archivePath == "" {
			return errors.New("archive path must be set")
		}
		if s.certPath != "" || s.keyPath != "" {
			return errors.New("archive source carries certificate paths")
		}
	default:
		return errors.New("no identity variant selected")
	}
	return nil
}
