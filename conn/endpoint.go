package conn

import (
	"context"
	"net"
	"strings"
	"time"
)

// EndpointDialer is a function that dials an endpoint.
type EndpointDialer func(context.Context, Endpoint) (net.Conn, error)

const defaultPort = "27017"

// Keepalive parameters applied to every dialed TCP socket.
const (
	keepAliveIdle     = 4 * time.Second
	keepAliveInterval = 3 * time.Second
	keepAliveCount    = 2
)

// defaultConnectTimeout bounds the TCP dial.
const defaultConnectTimeout = 30 * time.Second

// DialEndpoint dials an endpoint and returns a net.Conn with keepalive
// configured.
func DialEndpoint(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout: defaultConnectTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepAliveIdle,
			Interval: keepAliveInterval,
			Count:    keepAliveCount,
		},
	}

	return dialer.DialContext(ctx, "tcp", string(endpoint))
}

// Endpoint represents the location of a network resource or service.
type Endpoint string

// Canonicalize takes an endpoint and applies some transformations to it.
func (ep Endpoint) Canonicalize() Endpoint {
	s := strings.ToLower(string(ep))
	_, _, err := net.SplitHostPort(s)
	if err != nil && strings.Contains(err.Error(), "missing port in address") {
		s += ":" + defaultPort
	}

	return Endpoint(s)
}
