package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wtransport/internal/factory"
	"github.com/wolfeidau/wtransport/internal/identity"
	"github.com/wolfeidau/wtransport/internal/logger"
	"github.com/wolfeidau/wtransport/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Tracing bool
	Version string
}

// IdentityFlags select the server identity. Exactly one of the certificate
// pair or the archive must be given.
type IdentityFlags struct {
	Cert     string `help:"PEM certificate chain" type:"existingfile" env:"WTRANSPORT_CERT"`
	Key      string `help:"PEM private key" type:"existingfile" env:"WTRANSPORT_KEY"`
	Archive  string `help:"PKCS#12 archive holding the certificate and key" type:"existingfile" env:"WTRANSPORT_ARCHIVE"`
	Password string `help:"PKCS#12 archive password" env:"WTRANSPORT_ARCHIVE_PASSWORD"`
}

func (f IdentityFlags) source() (identity.Source, error) {
	return identity.FromPaths(f.Cert, f.Key, f.Archive, []byte(f.Password))
}

// setup initializes logging and, when enabled, telemetry export.
func setup(ctx context.Context, globals *Globals) (telemetry.ShutdownFunc, error) {
	logger.InitProcessEnvironment(globals.Debug)

	if !globals.Tracing {
		return func(context.Context) error { return nil }, nil
	}

	shutdown, err := telemetry.InitTelemetry(ctx, "wtransport", globals.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return shutdown, nil
}

func newFactory(globals *Globals) *factory.Factory {
	return factory.New(factory.WithDebug(globals.Debug), factory.WithLogger(log.Logger))
}
