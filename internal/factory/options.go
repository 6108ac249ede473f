package factory

import (
	"crypto/x509"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/wtransport/internal/endpoint"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
	"github.com/wolfeidau/wtransport/internal/origin"
	"github.com/wolfeidau/wtransport/internal/telemetry"
)

// DefaultConstructTimeout bounds how long a caller waits for the I/O loop.
const DefaultConstructTimeout = 30 * time.Second

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger used by the factory and its endpoints.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
		f.customLogger = true
	}
}

// WithDebug enables debug logging when the process environment is first initialized.
func WithDebug(debug bool) Option {
	return func(f *Factory) {
		f.debug = debug
	}
}

// WithConstructTimeout bounds the wait for construction on the I/O loop. Zero
// waits on the caller's context only.
func WithConstructTimeout(d time.Duration) Option {
	return func(f *Factory) {
		f.constructTimeout = d
	}
}

// WithMetrics sets the instruments the factory records to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Factory) {
		if m != nil {
			f.metrics = m
		}
	}
}

// ServerOption configures a server at creation.
type ServerOption func(*serverOptions)

type serverOptions struct {
	host       string
	accepted   []origin.Origin
	trustProxy bool
	observer   endpoint.ServerObserver
}

// WithHost sets the bind address. The default binds all interfaces.
func WithHost(host string) ServerOption {
	return func(o *serverOptions) {
		o.host = host
	}
}

// WithAcceptedOrigins restricts upgrades to requests from the listed origins.
// No origins accepts every request.
func WithAcceptedOrigins(origins ...origin.Origin) ServerOption {
	return func(o *serverOptions) {
		o.accepted = append(o.accepted, origins...)
	}
}

// WithTrustedProxyHeaders takes the client address of upgrade requests from
// X-Forwarded-For or X-Real-IP. Only enable behind a proxy that sets them.
func WithTrustedProxyHeaders() ServerOption {
	return func(o *serverOptions) {
		o.trustProxy = true
	}
}

// WithServerObserver registers observer for session notifications.
func WithServerObserver(observer endpoint.ServerObserver) ServerOption {
	return func(o *serverOptions) {
		o.observer = observer
	}
}

// ClientParameters customise a client. The zero value selects standard chain
// validation.
type ClientParameters struct {
	// Fingerprints pin the server certificate. Empty means chain validation.
	Fingerprints []fingerprint.Record
	// RootCAs replaces the system roots used for chain validation.
	RootCAs  *x509.CertPool
	Observer endpoint.ClientObserver
}
