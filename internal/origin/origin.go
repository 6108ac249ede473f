// Package origin resolves a WebTransport URL into its (scheme, host, port) origin.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidURL is returned for URLs that do not name an https origin.
var ErrInvalidURL = errors.New("origin: invalid url")

const defaultPort = 443

// Origin is the tuple a client presents in the WebTransport Origin header.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// Parse validates raw as an https URL and returns it with its origin. Hosts
// are lower cased and converted to their ASCII (punycode) form.
func Parse(raw string) (*url.URL, Origin, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, Origin{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return nil, Origin{}, fmt.Errorf("%w: scheme must be https, got %q", ErrInvalidURL, u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return nil, Origin{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	host := strings.ToLower(hostname)
	if net.ParseIP(host) == nil {
		host, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, Origin{}, fmt.Errorf("%w: host %q: %v", ErrInvalidURL, hostname, err)
		}
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, Origin{}, fmt.Errorf("%w: port %q out of range", ErrInvalidURL, p)
		}
	}

	o := Origin{Scheme: "https", Host: host, Port: port}

	normalized := *u
	normalized.Scheme = o.Scheme
	normalized.Host = o.HostPort()
	if port == defaultPort {
		normalized.Host = bracket(host)
	}

	return &normalized, o, nil
}

// HostPort returns host:port, bracketing IPv6 literals.
func (o Origin) HostPort() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// String serializes the origin, omitting the default port.
func (o Origin) String() string {
	if o.Port == defaultPort {
		return o.Scheme + "://" + bracket(o.Host)
	}
	return o.Scheme + "://" + o.HostPort()
}

// Matches compares an Origin header value against o.
func (o Origin) Matches(header string) bool {
	if header == "" {
		return false
	}
	_, other, err := Parse(header)
	if err != nil {
		return false
	}
	return other == o
}

func bracket(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
