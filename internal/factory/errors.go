package factory

import (
	"context"
	"errors"

	"github.com/wolfeidau/wtransport/internal/dispatch"
	"github.com/wolfeidau/wtransport/internal/endpoint"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
	"github.com/wolfeidau/wtransport/internal/identity"
	"github.com/wolfeidau/wtransport/internal/origin"
	"github.com/wolfeidau/wtransport/internal/topology"
)

var (
	// ErrInvalidHandle is returned for zero, foreign and already released handles.
	ErrInvalidHandle = errors.New("factory: invalid handle")

	errConstructTimeout = errors.New("construction timed out")
)

// Kind classifies the errors returned by the factory.
type Kind int

const (
	KindUnknown Kind = iota
	KindIdentityLoadFailure
	KindUnsupportedFingerprintAlgorithm
	KindInvalidFingerprint
	KindInvalidURL
	KindTopologyUnavailable
	KindConstructionFailure
	KindInvalidHandle
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindIdentityLoadFailure:
		return "identity_load_failure"
	case KindUnsupportedFingerprintAlgorithm:
		return "unsupported_fingerprint_algorithm"
	case KindInvalidFingerprint:
		return "invalid_fingerprint"
	case KindInvalidURL:
		return "invalid_url"
	case KindTopologyUnavailable:
		return "topology_unavailable"
	case KindConstructionFailure:
		return "construction_failure"
	case KindInvalidHandle:
		return "invalid_handle"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err. A nil error is KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, endpoint.ErrClosed):
		return KindInvalidHandle
	case errors.Is(err, identity.ErrUnavailable):
		return KindIdentityLoadFailure
	case errors.Is(err, fingerprint.ErrUnsupportedAlgorithm):
		return KindUnsupportedFingerprintAlgorithm
	case errors.Is(err, fingerprint.ErrInvalidDigest):
		return KindInvalidFingerprint
	case errors.Is(err, origin.ErrInvalidURL):
		return KindInvalidURL
	case errors.Is(err, topology.ErrUnavailable):
		return KindTopologyUnavailable
	case errors.Is(err, endpoint.ErrConstruction), errors.Is(err, endpoint.ErrConnecting), errors.Is(err, dispatch.ErrPanicked):
		return KindConstructionFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
