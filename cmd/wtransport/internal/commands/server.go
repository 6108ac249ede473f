package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wtransport/internal/endpoint"
	"github.com/wolfeidau/wtransport/internal/factory"
	"github.com/wolfeidau/wtransport/internal/identity"
	"github.com/wolfeidau/wtransport/internal/origin"
)

type ServerCmd struct {
	IdentityFlags `embed:""`

	Port            int      `help:"UDP port to listen on" default:"4433" env:"WTRANSPORT_PORT"`
	Host            string   `help:"address to bind" default:"" env:"WTRANSPORT_HOST"`
	AcceptedOrigins []string `help:"origins allowed to open sessions, empty accepts all" env:"WTRANSPORT_ACCEPTED_ORIGINS"`
	TrustProxy      bool     `help:"take client addresses from X-Forwarded-For and X-Real-IP" env:"WTRANSPORT_TRUST_PROXY"`
}

func (cmd *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	shutdown, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	source, err := cmd.source()
	if err != nil {
		return err
	}

	origins := make([]origin.Origin, 0, len(cmd.AcceptedOrigins))
	for _, raw := range cmd.AcceptedOrigins {
		_, o, err := origin.Parse(raw)
		if err != nil {
			return fmt.Errorf("accepted origin %q: %w", raw, err)
		}
		origins = append(origins, o)
	}

	provider, err := identity.Load(source)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := newFactory(globals)
	defer func() { _ = f.Close() }()

	opts := []factory.ServerOption{
		factory.WithHost(cmd.Host),
		factory.WithAcceptedOrigins(origins...),
		factory.WithServerObserver(endpoint.ServerObserverFuncs{
			Session: func(sess *webtransport.Session) {
				log.Info().Stringer("remote", sess.RemoteAddr()).Msg("session opened")
			},
			SessionClosed: func(sess *webtransport.Session) {
				log.Info().Stringer("remote", sess.RemoteAddr()).Msg("session closed")
			},
		}),
	}
	if cmd.TrustProxy {
		opts = append(opts, factory.WithTrustedProxyHeaders())
	}

	h, err := f.CreateServer(ctx, cmd.Port, source, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server (%s): %w", factory.KindOf(err), err)
	}

	addr, err := f.ServerAddr(ctx, h)
	if err != nil {
		return err
	}

	log.Info().
		Stringer("addr", addr).
		Str("fingerprint", provider.Fingerprint().Hex()).
		Msg("Server listening")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	return f.ReleaseServer(context.Background(), h)
}
