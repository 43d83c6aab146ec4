package conn

import (
	"github.com/sirupsen/logrus"

	"github.com/bitven/mongowire/msg"
)

func newConfig(opts ...Option) *config {
	cfg := &config{
		codec:  msg.NewWireProtocolCodec(),
		dialer: DialEndpoint,
		log:    logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// Option configures a connection.
type Option func(*config)

type config struct {
	codec       msg.Codec
	dialer      EndpointDialer
	handshaker  Handshaker
	log         logrus.FieldLogger
	cooperative bool
}

// WithCodec sets the codec to use to encode and decode messages.
func WithCodec(codec msg.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithEndpointDialer defines the dialer for endpoints. Use this
// configuration option to enable things like TLS.
func WithEndpointDialer(dialer EndpointDialer) Option {
	return func(c *config) {
		c.dialer = dialer
	}
}

// WithHandshaker sets the handshake run after every dial, including the
// automatic reconnect inside Write.
func WithHandshaker(h Handshaker) Option {
	return func(c *config) {
		c.handshaker = h
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithCooperativeScheduling selects the fixed-cadence receive poll intended
// for callers multiplexing many connections on few goroutines. The default
// is the adaptive blocking curve.
func WithCooperativeScheduling() Option {
	return func(c *config) {
		c.cooperative = true
	}
}
