package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/wtransport/cmd/wtransport/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Server      commands.ServerCmd      `cmd:"" help:"Run a WebTransport server"`
		Client      commands.ClientCmd      `cmd:"" help:"Connect a WebTransport client"`
		Fingerprint commands.FingerprintCmd `cmd:"" help:"Print the certificate fingerprint of a server identity"`
		Debug       bool                    `help:"Enable debug mode." env:"WTRANSPORT_DEBUG"`
		Tracing     bool                    `help:"Export traces and metrics over OTLP." env:"WTRANSPORT_TRACING"`
		Version     kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("wtransport"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Tracing: cli.Tracing, Version: version})
	cmd.FatalIfErrorf(err)
}
