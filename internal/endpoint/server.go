// Package endpoint holds the server and client objects the factory builds.
//
// Every field of an endpoint is owned by the I/O loop: constructors, Close and
// the unexported state transitions must run there. The QUIC engine runs its
// own goroutines and reports back by posting to the I/O loop; observers are
// called on the event loop.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog"
	wthttp "github.com/wolfeidau/wtransport/internal/http"
	"github.com/wolfeidau/wtransport/internal/identity"
	"github.com/wolfeidau/wtransport/internal/origin"
	"github.com/wolfeidau/wtransport/internal/telemetry"
	"github.com/wolfeidau/wtransport/internal/topology"
)

var (
	// ErrConstruction wraps bind and connect failures reported by the engine.
	ErrConstruction = errors.New("endpoint: construction failed")

	// ErrClosed is returned when operating on a closed endpoint.
	ErrClosed = errors.New("endpoint: closed")
)

const serveShutdownTimeout = 2 * time.Second

// ServerConfig describes a server to bind.
type ServerConfig struct {
	Host            string
	Port            int
	Provider        *identity.Provider
	AcceptedOrigins []origin.Origin
	// TrustProxyHeaders takes the client address from forwarding headers.
	TrustProxyHeaders bool
	Observer          ServerObserver
	IO                *topology.Loop
	Events            *topology.Loop
	Logger            zerolog.Logger
}

// Server is a bound WebTransport server.
type Server struct {
	provider *identity.Provider
	accepted []origin.Origin
	conn     *net.UDPConn
	wt       *webtransport.Server
	io       *topology.Loop
	notifier notifier[ServerObserver]
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	sessions  map[*webtransport.Session]struct{}
	closed    bool
	serveDone chan struct{}
}

// NewServer binds the UDP socket and starts serving. It must run on the I/O
// loop. The server takes ownership of cfg.Provider.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: no identity provider", ErrConstruction)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrConstruction, addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %w", ErrConstruction, addr, err)
	}

	s := &Server{
		provider:  cfg.Provider,
		accepted:  cfg.AcceptedOrigins,
		conn:      conn,
		io:        cfg.IO,
		logger:    cfg.Logger.With().Str("endpoint", "server").Stringer("addr", conn.LocalAddr()).Logger(),
		metrics:   telemetry.GetMetrics(),
		sessions:  make(map[*webtransport.Session]struct{}),
		serveDone: make(chan struct{}),
	}
	s.notifier = newNotifier(cfg.Events, cfg.Observer, s.logger)

	s.wt = &webtransport.Server{
		H3: http3.Server{
			TLSConfig:  cfg.Provider.TLSConfig(),
			QUICConfig: quicConfig(),
			Handler:    wthttp.ClientIPMiddleware(cfg.TrustProxyHeaders)(http.HandlerFunc(s.handleUpgrade)),
		},
		CheckOrigin: s.checkOrigin,
	}

	go s.serve()

	s.logger.Info().
		Str("identity", cfg.Provider.Kind().String()).
		Stringer("fingerprint", cfg.Provider.Fingerprint()).
		Int("accepted_origins", len(cfg.AcceptedOrigins)).
		Msg("server listening")

	return s, nil
}

func (s *Server) serve() {
	defer close(s.serveDone)
	if err := s.wt.Serve(s.conn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug().Err(err).Msg("serve returned")
	}
}

// checkOrigin runs on engine goroutines and reads only immutable fields.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.accepted) == 0 {
		return true
	}
	header := r.Header.Get("Origin")
	for _, o := range s.accepted {
		if o.Matches(header) {
			return true
		}
	}
	return false
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := s.wt.Upgrade(w, r)
	if err != nil {
		s.metrics.SessionsRejectedTotal.Add(r.Context(), 1)
		s.logger.Warn().Err(err).
			Str("client_ip", wthttp.ClientIPFromContext(r.Context())).
			Str("origin", r.Header.Get("Origin")).
			Str("path", r.URL.Path).
			Msg("upgrade rejected")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	clientIP := wthttp.ClientIPFromContext(r.Context())
	if err := s.io.Post(func() { s.addSession(sess, clientIP) }); err != nil {
		_ = sess.CloseWithError(0, "server shutting down")
		return
	}

	go func() {
		<-sess.Context().Done()
		// the loop may already be gone at teardown
		_ = s.io.Post(func() { s.removeSession(sess) })
	}()
}

func (s *Server) addSession(sess *webtransport.Session, clientIP string) {
	if s.closed {
		_ = sess.CloseWithError(0, "server closed")
		return
	}
	s.sessions[sess] = struct{}{}
	s.metrics.SessionsAcceptedTotal.Add(context.Background(), 1)
	s.logger.Debug().Str("client_ip", clientIP).Int("sessions", len(s.sessions)).Msg("session accepted")
	s.notifier.notify("session", func(o ServerObserver) { o.OnSession(sess) })
}

func (s *Server) removeSession(sess *webtransport.Session) {
	if _, ok := s.sessions[sess]; !ok {
		return
	}
	delete(s.sessions, sess)
	s.notifier.notify("session_closed", func(o ServerObserver) { o.OnSessionClosed(sess) })
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// SessionCount returns the number of live sessions. I/O loop only.
func (s *Server) SessionCount() int { return len(s.sessions) }

// Identity returns the provider owned by the server.
func (s *Server) Identity() *identity.Provider { return s.provider }

// Close ends all sessions and releases the socket. It must run on the I/O
// loop; the port is free for reuse once it returns.
func (s *Server) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	for sess := range s.sessions {
		_ = sess.CloseWithError(0, "server closed")
		s.removeSession(sess)
	}

	err := s.wt.Close()
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	select {
	case <-s.serveDone:
	case <-time.After(serveShutdownTimeout):
		s.logger.Warn().Dur("timeout", serveShutdownTimeout).Msg("serve did not return after close")
	}

	s.provider = nil
	s.logger.Info().Msg("server closed")
	s.notifier.notify("ended", func(o ServerObserver) { o.OnEnded() })

	return err
}
