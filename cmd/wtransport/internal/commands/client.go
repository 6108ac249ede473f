package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wtransport/internal/endpoint"
	"github.com/wolfeidau/wtransport/internal/factory"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
)

type ClientCmd struct {
	URL          string        `arg:"" help:"https URL of the WebTransport endpoint"`
	Fingerprints []string      `help:"pinned server certificate digests as algorithm=hex, e.g. sha-256=AB:CD:..." env:"WTRANSPORT_FINGERPRINTS"`
	Retries      uint          `help:"connection attempts before giving up" default:"5"`
	Timeout      time.Duration `help:"overall connect timeout" default:"30s"`
	Hold         time.Duration `help:"keep the session open this long, zero waits for a signal" default:"0s"`
}

func (cmd *ClientCmd) Run(ctx context.Context, globals *Globals) error {
	shutdown, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	records, err := parseFingerprints(cmd.Fingerprints)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := newFactory(globals)
	defer func() { _ = f.Close() }()

	closed := make(chan struct{})
	onClosed := sync.OnceFunc(func() { close(closed) })
	h, err := f.CreateClientWithParameters(ctx, cmd.URL, factory.ClientParameters{
		Fingerprints: records,
		Observer: endpoint.ClientObserverFuncs{
			Connected: func(sess *webtransport.Session) {
				log.Info().Stringer("remote", sess.RemoteAddr()).Msg("Connected")
			},
			Closed: onClosed,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create client (%s): %w", factory.KindOf(err), err)
	}
	defer func() { _ = f.ReleaseClient(context.Background(), h) }()

	if err := cmd.connect(ctx, f, h); err != nil {
		return err
	}

	var hold <-chan time.Time
	if cmd.Hold > 0 {
		hold = time.After(cmd.Hold)
	}

	select {
	case <-ctx.Done():
	case <-hold:
	case <-closed:
		log.Info().Msg("Session closed by server")
	}
	return nil
}

// connect retries transient handshake failures. Input errors are permanent.
func (cmd *ClientCmd) connect(ctx context.Context, f *factory.Factory, h factory.ClientHandle) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f.ConnectClient(ctx, h)
		if err == nil {
			return struct{}{}, nil
		}
		if factory.KindOf(err) != factory.KindConstructionFailure {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cmd.Retries),
		backoff.WithMaxElapsedTime(cmd.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Connect failed")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cmd.URL, err)
	}
	return nil
}

func parseFingerprints(values []string) ([]fingerprint.Record, error) {
	records := make([]fingerprint.Record, 0, len(values))
	for _, v := range values {
		alg, digest, ok := strings.Cut(v, "=")
		if !ok {
			alg, digest = fingerprint.SHA256.String(), v
		}
		rec, err := fingerprint.Parse(alg, digest)
		if err != nil {
			return nil, fmt.Errorf("fingerprint %q: %w", v, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
