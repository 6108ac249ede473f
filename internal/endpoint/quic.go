package endpoint

import (
	"time"

	"github.com/quic-go/quic-go"
)

const (
	maxIdleTimeout  = 30 * time.Second
	keepAlivePeriod = 10 * time.Second
)

// quicConfig is the transport configuration shared by servers and clients.
// WebTransport requires datagram support on both sides.
func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}
