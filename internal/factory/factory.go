// Package factory creates and releases WebTransport endpoints. All endpoints
// of a factory live on its I/O loop; callers hold opaque handles and every
// operation on a handle is dispatched to that loop.
package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wtransport/internal/dispatch"
	"github.com/wolfeidau/wtransport/internal/endpoint"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
	"github.com/wolfeidau/wtransport/internal/identity"
	"github.com/wolfeidau/wtransport/internal/logger"
	"github.com/wolfeidau/wtransport/internal/origin"
	"github.com/wolfeidau/wtransport/internal/telemetry"
	"github.com/wolfeidau/wtransport/internal/topology"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const teardownTimeout = 10 * time.Second

// Factory owns an execution topology and the endpoints built on it.
type Factory struct {
	id               uuid.UUID
	topo             *topology.Topology
	logger           zerolog.Logger
	customLogger     bool
	debug            bool
	constructTimeout time.Duration
	metrics          *telemetry.Metrics

	// owned by the I/O loop
	servers *registry[*endpoint.Server]
	clients *registry[*endpoint.Client]

	// serializes discards, which run off the loop once it has stopped
	discardMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts a factory and its loops. The process environment is initialized
// by the first factory only.
func New(opts ...Option) *Factory {
	f := &Factory{
		id:               uuid.New(),
		constructTimeout: DefaultConstructTimeout,
		metrics:          telemetry.GetMetrics(),
		servers:          newRegistry[*endpoint.Server](),
		clients:          newRegistry[*endpoint.Client](),
	}
	for _, opt := range opts {
		opt(f)
	}

	logger.InitProcessEnvironment(f.debug)
	if !f.customLogger {
		f.logger = log.Logger
	}
	f.logger = f.logger.With().Str("factory", f.id.String()).Logger()
	f.topo = topology.New(f.logger)

	f.logger.Debug().Dur("construct_timeout", f.constructTimeout).Msg("factory started")

	return f
}

// CreateServer loads the identity from source and binds a server on port on
// the I/O loop. Identity failures are returned before any socket is bound.
func (f *Factory) CreateServer(ctx context.Context, port int, source identity.Source, opts ...ServerOption) (ServerHandle, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "factory.CreateServer",
		trace.WithAttributes(attribute.Int("port", port), attribute.String("identity", source.Kind().String())))
	defer span.End()

	h, err := f.createServer(ctx, port, source, opts)
	if err != nil {
		f.fail(ctx, span, "server", err)
		return ServerHandle{}, err
	}
	span.SetAttributes(attribute.String("handle", h.id.String()))
	return h, nil
}

// CreateServerFromFiles creates a server presenting a PEM certificate and key.
func (f *Factory) CreateServerFromFiles(ctx context.Context, port int, certPath, keyPath string, opts ...ServerOption) (ServerHandle, error) {
	return f.CreateServer(ctx, port, identity.FilePair(certPath, keyPath), opts...)
}

// CreateServerFromArchive creates a server presenting the identity in a
// password protected PKCS#12 archive.
func (f *Factory) CreateServerFromArchive(ctx context.Context, port int, archivePath, password string, opts ...ServerOption) (ServerHandle, error) {
	return f.CreateServer(ctx, port, identity.Archive(archivePath, []byte(password)), opts...)
}

func (f *Factory) createServer(ctx context.Context, port int, source identity.Source, opts []ServerOption) (ServerHandle, error) {
	if err := f.checkOpen(); err != nil {
		return ServerHandle{}, err
	}
	if port < 0 || port > 65535 {
		return ServerHandle{}, fmt.Errorf("%w: port %d out of range", endpoint.ErrConstruction, port)
	}

	var so serverOptions
	for _, opt := range opts {
		opt(&so)
	}

	provider, err := identity.Load(source)
	if err != nil {
		return ServerHandle{}, err
	}
	f.logger.Debug().Stringer("source", source).Stringer("fingerprint", provider.Fingerprint()).Msg("identity loaded")

	cfg := endpoint.ServerConfig{
		Host:              so.host,
		Port:              port,
		Provider:          provider,
		AcceptedOrigins:   so.accepted,
		TrustProxyHeaders: so.trustProxy,
		Observer:          so.observer,
		IO:                f.topo.IO(),
		Events:            f.topo.Event(),
		Logger:            f.logger.With().Int("port", port).Logger(),
	}

	h, err := construct(ctx, f, "server", func() (ServerHandle, error) {
		if err := f.checkOpen(); err != nil {
			return ServerHandle{}, err
		}
		srv, err := endpoint.NewServer(cfg)
		if err != nil {
			return ServerHandle{}, err
		}
		f.metrics.ServersActive.Add(context.Background(), 1)
		return ServerHandle{id: f.servers.add(srv), factory: f.id}, nil
	}, f.discardServer)
	if err != nil {
		return ServerHandle{}, err
	}

	f.logger.Info().Stringer("handle", h).Int("port", port).Str("identity", source.Kind().String()).Msg("server created")
	return h, nil
}

// ReleaseServer closes the server and frees its port. The handle is invalid
// afterwards; releasing it again returns ErrInvalidHandle.
func (f *Factory) ReleaseServer(ctx context.Context, h ServerHandle) error {
	ctx, span := telemetry.Tracer().Start(ctx, "factory.ReleaseServer", trace.WithAttributes(attribute.String("handle", h.String())))
	defer span.End()

	if err := f.ownsServer(h); err != nil {
		f.fail(ctx, span, "server", err)
		return err
	}

	err := dispatch.Run(ctx, f.topo.IO(), func() error {
		if !f.closeServer(h.id) {
			return fmt.Errorf("%w: %s not registered", ErrInvalidHandle, h)
		}
		return nil
	})
	if err != nil {
		f.fail(ctx, span, "server", err)
		return err
	}
	f.logger.Info().Stringer("handle", h).Msg("server released")
	return nil
}

// discardServer closes a server built for a caller that stopped waiting.
func (f *Factory) discardServer(h ServerHandle) {
	f.discardMu.Lock()
	defer f.discardMu.Unlock()
	f.closeServer(h.id)
}

// closeServer runs on the I/O loop.
func (f *Factory) closeServer(id uuid.UUID) bool {
	srv, ok := f.servers.take(id)
	if !ok {
		return false
	}
	f.shutdownServer(id, srv)
	return true
}

func (f *Factory) shutdownServer(id uuid.UUID, srv *endpoint.Server) {
	if err := srv.Close(); err != nil && !errors.Is(err, endpoint.ErrClosed) {
		f.logger.Warn().Err(err).Str("handle", id.String()).Msg("server close reported an error")
	}
	f.metrics.ServersActive.Add(context.Background(), -1)
	f.metrics.EndpointsReleasedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("endpoint", "server")))
}

// ServerAddr returns the address the server is bound to.
func (f *Factory) ServerAddr(ctx context.Context, h ServerHandle) (net.Addr, error) {
	if err := f.ownsServer(h); err != nil {
		return nil, err
	}
	return dispatch.Construct(ctx, f.topo.IO(), func() (net.Addr, error) {
		srv, ok := f.servers.get(h.id)
		if !ok {
			return nil, fmt.Errorf("%w: %s not registered", ErrInvalidHandle, h)
		}
		return srv.Addr(), nil
	}, nil)
}

// CreateClient creates a client for url using standard chain validation.
func (f *Factory) CreateClient(ctx context.Context, url string) (ClientHandle, error) {
	return f.CreateClientWithParameters(ctx, url, ClientParameters{})
}

// CreateClientWithParameters creates a client for url. The url and
// fingerprints are validated before anything is dispatched.
func (f *Factory) CreateClientWithParameters(ctx context.Context, url string, params ClientParameters) (ClientHandle, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "factory.CreateClient",
		trace.WithAttributes(attribute.Int("fingerprints", len(params.Fingerprints))))
	defer span.End()

	h, err := f.createClient(ctx, url, params)
	if err != nil {
		f.fail(ctx, span, "client", err)
		return ClientHandle{}, err
	}
	span.SetAttributes(attribute.String("handle", h.id.String()))
	return h, nil
}

func (f *Factory) createClient(ctx context.Context, raw string, params ClientParameters) (ClientHandle, error) {
	if err := f.checkOpen(); err != nil {
		return ClientHandle{}, err
	}

	u, o, err := origin.Parse(raw)
	if err != nil {
		return ClientHandle{}, err
	}

	verification, err := fingerprint.Translate(params.Fingerprints)
	if err != nil {
		return ClientHandle{}, err
	}

	cfg := endpoint.ClientConfig{
		URL:          u,
		Origin:       o,
		Verification: verification,
		RootCAs:      params.RootCAs,
		Observer:     params.Observer,
		IO:           f.topo.IO(),
		Events:       f.topo.Event(),
		Logger:       f.logger,
	}

	h, err := construct(ctx, f, "client", func() (ClientHandle, error) {
		if err := f.checkOpen(); err != nil {
			return ClientHandle{}, err
		}
		c, err := endpoint.NewClient(cfg)
		if err != nil {
			return ClientHandle{}, err
		}
		f.metrics.ClientsActive.Add(context.Background(), 1)
		return ClientHandle{id: f.clients.add(c), factory: f.id}, nil
	}, f.discardClient)
	if err != nil {
		return ClientHandle{}, err
	}

	f.logger.Info().Stringer("handle", h).Stringer("origin", o).Bool("pinned", verification.Pinned()).Msg("client created")
	return h, nil
}

// ConnectClient performs the WebTransport handshake and blocks until it
// completes or ctx ends. Failures are not retried.
func (f *Factory) ConnectClient(ctx context.Context, h ClientHandle) error {
	ctx, span := telemetry.Tracer().Start(ctx, "factory.ConnectClient", trace.WithAttributes(attribute.String("handle", h.String())))
	defer span.End()

	if err := f.ownsClient(h); err != nil {
		f.fail(ctx, span, "client", err)
		return err
	}

	outcome := make(chan error, 1)
	err := dispatch.Run(ctx, f.topo.IO(), func() error {
		c, ok := f.clients.get(h.id)
		if !ok {
			return fmt.Errorf("%w: %s not registered", ErrInvalidHandle, h)
		}
		return c.BeginConnect(ctx, func(err error) { outcome <- err })
	})
	if err == nil {
		select {
		case err = <-outcome:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		return err
	}
	return nil
}

// ReleaseClient closes the client and its session. The handle is invalid
// afterwards.
func (f *Factory) ReleaseClient(ctx context.Context, h ClientHandle) error {
	ctx, span := telemetry.Tracer().Start(ctx, "factory.ReleaseClient", trace.WithAttributes(attribute.String("handle", h.String())))
	defer span.End()

	if err := f.ownsClient(h); err != nil {
		f.fail(ctx, span, "client", err)
		return err
	}

	err := dispatch.Run(ctx, f.topo.IO(), func() error {
		if !f.closeClient(h.id) {
			return fmt.Errorf("%w: %s not registered", ErrInvalidHandle, h)
		}
		return nil
	})
	if err != nil {
		f.fail(ctx, span, "client", err)
		return err
	}
	f.logger.Info().Stringer("handle", h).Msg("client released")
	return nil
}

// discardClient closes a client built for a caller that stopped waiting.
func (f *Factory) discardClient(h ClientHandle) {
	f.discardMu.Lock()
	defer f.discardMu.Unlock()
	f.closeClient(h.id)
}

// closeClient runs on the I/O loop.
func (f *Factory) closeClient(id uuid.UUID) bool {
	c, ok := f.clients.take(id)
	if !ok {
		return false
	}
	f.shutdownClient(id, c)
	return true
}

func (f *Factory) shutdownClient(id uuid.UUID, c *endpoint.Client) {
	if err := c.Close(); err != nil && !errors.Is(err, endpoint.ErrClosed) {
		f.logger.Warn().Err(err).Str("handle", id.String()).Msg("client close reported an error")
	}
	f.metrics.ClientsActive.Add(context.Background(), -1)
	f.metrics.EndpointsReleasedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("endpoint", "client")))
}

// ClientInfo is a snapshot of a client read on the I/O loop.
type ClientInfo struct {
	URL          string
	Origin       origin.Origin
	Verification fingerprint.Config
	State        endpoint.ClientState
	RemoteAddr   net.Addr
}

// ClientInfo returns a snapshot of the client behind h.
func (f *Factory) ClientInfo(ctx context.Context, h ClientHandle) (ClientInfo, error) {
	if err := f.ownsClient(h); err != nil {
		return ClientInfo{}, err
	}
	return dispatch.Construct(ctx, f.topo.IO(), func() (ClientInfo, error) {
		c, ok := f.clients.get(h.id)
		if !ok {
			return ClientInfo{}, fmt.Errorf("%w: %s not registered", ErrInvalidHandle, h)
		}
		info := ClientInfo{
			URL:          c.URL().String(),
			Origin:       c.Origin(),
			Verification: c.Verification(),
			State:        c.State(),
		}
		if sess := c.Session(); sess != nil {
			info.RemoteAddr = sess.RemoteAddr()
		}
		return info, nil
	}, nil)
}

// Close releases every endpoint still registered and stops the loops. Later
// operations fail with a topology unavailable error.
func (f *Factory) Close() error {
	err := fmt.Errorf("%w: factory already closed", topology.ErrUnavailable)
	f.closeOnce.Do(func() {
		f.closed.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		err = dispatch.Run(ctx, f.topo.IO(), func() error {
			clients, servers := f.clients.len(), f.servers.len()
			for id, c := range f.clients.drain() {
				f.shutdownClient(id, c)
			}
			for id, srv := range f.servers.drain() {
				f.shutdownServer(id, srv)
			}
			f.logger.Debug().Int("servers", servers).Int("clients", clients).Msg("endpoints released at close")
			return nil
		})

		dropped := f.topo.Close()
		f.logger.Info().Int("dropped_tasks", dropped).Msg("factory closed")
	})
	return err
}

func (f *Factory) checkOpen() error {
	if f.closed.Load() {
		return fmt.Errorf("%w: factory closed", topology.ErrUnavailable)
	}
	return nil
}

func (f *Factory) ownsServer(h ServerHandle) error {
	if h.IsZero() || h.factory != f.id {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return nil
}

func (f *Factory) ownsClient(h ClientHandle) error {
	if h.IsZero() || h.factory != f.id {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return nil
}

func (f *Factory) fail(ctx context.Context, span trace.Span, kind string, err error) {
	k := KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, k.String())
	f.metrics.EndpointsFailedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", kind),
		attribute.String("kind", k.String()),
	))
	f.logger.Warn().Err(err).Str("endpoint", kind).Stringer("kind", k).Msg("endpoint operation failed")
}

// construct hands build to the I/O loop, bounded by the construct timeout.
func construct[T any](ctx context.Context, f *Factory, kind string, build func() (T, error), discard func(T)) (T, error) {
	if f.constructTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, f.constructTimeout, errConstructTimeout)
		defer cancel()
	}

	start := time.Now()
	v, err := dispatch.Construct(ctx, f.topo.IO(), build, discard)
	f.metrics.ConstructDuration.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("endpoint", kind)))

	if err != nil {
		if errors.Is(context.Cause(ctx), errConstructTimeout) {
			err = fmt.Errorf("%w: %w after %s", topology.ErrUnavailable, errConstructTimeout, f.constructTimeout)
		}
		var zero T
		return zero, err
	}

	f.metrics.EndpointsCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", kind)))
	return v, nil
}
