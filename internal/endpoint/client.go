package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
	"github.com/wolfeidau/wtransport/internal/origin"
	"github.com/wolfeidau/wtransport/internal/telemetry"
	"github.com/wolfeidau/wtransport/internal/topology"
)

// ErrConnecting is returned when Connect is called on a client that is not idle.
var ErrConnecting = errors.New("endpoint: client already connecting or connected")

// ClientState is the connection state of a client.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientConnecting
	ClientConnected
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig describes a client to construct.
type ClientConfig struct {
	URL          *url.URL
	Origin       origin.Origin
	Verification fingerprint.Config
	// RootCAs overrides the system roots for chain validation.
	RootCAs  *x509.CertPool
	Observer ClientObserver
	IO       *topology.Loop
	Events   *topology.Loop
	Logger   zerolog.Logger
}

// Client is a WebTransport client bound to one URL.
type Client struct {
	url          *url.URL
	origin       origin.Origin
	verification fingerprint.Config
	dialer       *webtransport.Dialer
	io           *topology.Loop
	notifier     notifier[ClientObserver]
	logger       zerolog.Logger
	metrics      *telemetry.Metrics

	state   ClientState
	session *webtransport.Session
	cancel  context.CancelFunc
}

// NewClient builds the client and its dialer. It must run on the I/O loop and
// does not touch the network.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == nil {
		return nil, fmt.Errorf("%w: no url", ErrConstruction)
	}

	tlsConfig := &tls.Config{
		ServerName: cfg.Origin.Host,
		RootCAs:    cfg.RootCAs,
		MinVersion: tls.VersionTLS13,
	}
	cfg.Verification.ApplyTo(tlsConfig)

	c := &Client{
		url:          cfg.URL,
		origin:       cfg.Origin,
		verification: cfg.Verification,
		dialer:       &webtransport.Dialer{TLSClientConfig: tlsConfig, QUICConfig: quicConfig()},
		io:           cfg.IO,
		logger:       cfg.Logger.With().Str("endpoint", "client").Stringer("origin", cfg.Origin).Logger(),
		metrics:      telemetry.GetMetrics(),
	}
	c.notifier = newNotifier(cfg.Events, cfg.Observer, c.logger)

	c.logger.Debug().Bool("pinned", cfg.Verification.Pinned()).Msg("client constructed")

	return c, nil
}

// URL returns the target URL.
func (c *Client) URL() *url.URL { return c.url }

// Origin returns the origin sent with the upgrade request.
func (c *Client) Origin() origin.Origin { return c.origin }

// Verification returns the certificate verification configuration.
func (c *Client) Verification() fingerprint.Config { return c.verification }

// State returns the connection state. I/O loop only.
func (c *Client) State() ClientState { return c.state }

// Session returns the established session, or nil. I/O loop only.
func (c *Client) Session() *webtransport.Session { return c.session }

// BeginConnect starts the handshake on an engine goroutine and returns
// immediately. done is called exactly once, from the I/O loop when the loop
// is running, with the outcome. It must run on the I/O loop.
func (c *Client) BeginConnect(ctx context.Context, done func(error)) error {
	if c.state == ClientClosed {
		return ErrClosed
	}
	if c.state != ClientIdle {
		return ErrConnecting
	}
	c.state = ClientConnecting
	c.metrics.ClientConnectsTotal.Add(ctx, 1)

	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	target := c.url.String()
	header := http.Header{}
	header.Set("Origin", c.origin.String())

	go func() {
		// the caller's context bounds the handshake only
		stop := context.AfterFunc(ctx, cancel)
		rsp, sess, err := c.dialer.Dial(dialCtx, target, header)
		stop()
		if err == nil && sess == nil {
			err = errors.New("no session established")
		}
		if err != nil {
			if rsp != nil {
				err = fmt.Errorf("%w: %s: status %d: %w", ErrConstruction, target, rsp.StatusCode, err)
			} else {
				err = fmt.Errorf("%w: %s: %w", ErrConstruction, target, err)
			}
		}

		if perr := c.io.Post(func() { done(c.finishConnect(sess, err)) }); perr != nil {
			if sess != nil {
				_ = sess.CloseWithError(0, "client shutting down")
			}
			done(perr)
		}
	}()

	return nil
}

func (c *Client) finishConnect(sess *webtransport.Session, err error) error {
	if c.state == ClientClosed {
		if sess != nil {
			_ = sess.CloseWithError(0, "client closed")
		}
		return ErrClosed
	}

	if err != nil {
		c.releaseDial()
		c.state = ClientIdle
		c.logger.Warn().Err(err).Msg("connection failed")
		c.notifier.notify("connection_failed", func(o ClientObserver) { o.OnConnectionFailed(err) })
		return err
	}

	c.state = ClientConnected
	c.session = sess
	c.logger.Info().Stringer("remote", sess.RemoteAddr()).Msg("client connected")
	c.notifier.notify("connected", func(o ClientObserver) { o.OnConnected(sess) })

	go func() {
		<-sess.Context().Done()
		_ = c.io.Post(func() { c.sessionEnded(sess) })
	}()

	return nil
}

func (c *Client) sessionEnded(sess *webtransport.Session) {
	if c.session != sess {
		return
	}
	c.session = nil
	c.releaseDial()
	if c.state == ClientConnected {
		c.state = ClientIdle
	}
	c.logger.Debug().Msg("session ended")
	c.notifier.notify("closed", func(o ClientObserver) { o.OnClosed() })
}

func (c *Client) releaseDial() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Close aborts any handshake and closes the session. It must run on the I/O loop.
func (c *Client) Close() error {
	if c.state == ClientClosed {
		return ErrClosed
	}
	c.state = ClientClosed

	var err error
	if c.session != nil {
		err = c.session.CloseWithError(0, "client closed")
		c.session = nil
		c.notifier.notify("closed", func(o ClientObserver) { o.OnClosed() })
	}
	c.releaseDial()

	c.logger.Debug().Msg("client closed")
	return err
}
