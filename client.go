// Package mongowire is a native MongoDB client speaking OP_MSG over a
// single TCP connection. It authenticates with SCRAM, tracks logical
// sessions and transactions, and keeps reads causally consistent.
//
// A Client is not safe for concurrent use: one connection carries one
// request/response round trip at a time. Callers wanting parallelism run
// one Client per goroutine.
package mongowire

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bitven/mongowire/auth"
	"github.com/bitven/mongowire/command"
	"github.com/bitven/mongowire/conn"
	"github.com/bitven/mongowire/msg"
	"github.com/bitven/mongowire/session"
)

const adminDB = "admin"

// InvalidArgumentError reports a client-side validation failure.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// AlreadyExistsError is returned from CreateCollection when the collection
// is already present.
type AlreadyExistsError struct {
	Database   string
	Collection string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("collection %s.%s already exists", e.Database, e.Collection)
}

// ErrNotConnected is returned from operations before Connect or after
// Close.
var ErrNotConnected = errors.New("client is not connected")

// Client is a connection to a single mongod or mongos.
type Client struct {
	database string
	host     string
	port     int
	cred     *auth.Cred

	mechanism   string
	cooperative bool
	log         logrus.FieldLogger
	dialer      conn.EndpointDialer

	conn      conn.ConnectionCloser
	desc      *conn.Desc
	registry  *session.Registry
	clock     *session.Clock
	connected bool

	// replicaSet is detected lazily; nil means not yet asked.
	replicaSet *bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithCooperativeScheduling selects the fixed-cadence receive poll; see
// conn.WithCooperativeScheduling.
func WithCooperativeScheduling() Option {
	return func(c *Client) {
		c.cooperative = true
	}
}

// WithMechanism overrides the SCRAM mechanism (default SCRAM-SHA-256).
func WithMechanism(mechanism string) Option {
	return func(c *Client) {
		c.mechanism = mechanism
	}
}

// WithEndpointDialer overrides the TCP dialer; used to enable TLS.
func WithEndpointDialer(dialer conn.EndpointDialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// New validates the target and credentials and builds an unconnected
// Client.
func New(database, host string, port int, user, password string, opts ...Option) (*Client, error) {
	switch {
	case database == "":
		return nil, &InvalidArgumentError{Field: "database", Reason: "must not be empty"}
	case host == "":
		return nil, &InvalidArgumentError{Field: "host", Reason: "must not be empty"}
	case port < 1 || port > 65535:
		return nil, &InvalidArgumentError{Field: "port", Reason: fmt.Sprintf("%d is outside [1, 65535]", port)}
	case user == "":
		return nil, &InvalidArgumentError{Field: "user", Reason: "must not be empty"}
	case password == "":
		return nil, &InvalidArgumentError{Field: "password", Reason: "must not be empty"}
	}

	c := &Client{
		database: database,
		host:     host,
		port:     port,
		cred: &auth.Cred{
			Source:   adminDB,
			Username: user,
			Password: password,
		},
		log:    logrus.StandardLogger(),
		dialer: conn.DialEndpoint,
		clock:  &session.Clock{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.registry = session.NewRegistry(c.log)

	return c, nil
}

// Connect dials the server, runs the SCRAM handshake and captures the
// server description. The same handshake re-runs on the transport's single
// automatic reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected {
		return nil
	}

	authenticator, err := auth.New(c.mechanism, c.cred)
	if err != nil {
		return err
	}

	handshaker := func(ctx context.Context, hc conn.Connection) error {
		desc, err := describeServer(ctx, hc)
		if err != nil {
			return err
		}
		if err := authenticator.Auth(ctx, hc); err != nil {
			return err
		}
		c.desc = desc
		return nil
	}

	endpoint := conn.Endpoint(fmt.Sprintf("%s:%d", c.host, c.port))
	connection, err := conn.Dial(ctx, endpoint,
		connOptions(c, handshaker)...,
	)
	if err != nil {
		return err
	}

	c.conn = connection
	c.connected = true

	c.log.WithFields(logrus.Fields{
		"connection": connection.ID(),
		"server":     c.desc.Version.String(),
	}).Info("connected")

	return nil
}

func connOptions(c *Client, handshaker conn.Handshaker) []conn.Option {
	opts := []conn.Option{
		conn.WithHandshaker(handshaker),
		conn.WithLogger(c.log),
		conn.WithEndpointDialer(c.dialer),
	}
	if c.cooperative {
		opts = append(opts, conn.WithCooperativeScheduling())
	}
	return opts
}

// Close ends every tracked session (best effort), clears the causal clock
// and drops the socket. The client is not reusable afterwards.
func (c *Client) Close(ctx context.Context) error {
	if !c.connected {
		return nil
	}

	if sessions := c.registry.All(); len(sessions) > 0 {
		if err := c.EndSessions(ctx, sessions...); err != nil {
			// The socket may already be gone; sessions expire
			// server-side regardless.
			c.log.WithError(err).Debug("failed ending sessions during close")
		}
	}

	c.clock.Reset()
	c.connected = false

	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected reports whether Connect succeeded, Close has not run and the
// underlying connection is still alive.
func (c *Client) IsConnected() bool {
	return c.connected && c.conn != nil && c.conn.Alive()
}

// ConnectionInfo describes the live connection.
type ConnectionInfo struct {
	ConnectionID string
	Host         string
	Port         int
	Database     string
	Connected    bool
	Server       *conn.Desc
}

// ConnectionInfo returns a description of the connection and the server
// behind it.
func (c *Client) ConnectionInfo() *ConnectionInfo {
	info := &ConnectionInfo{
		Host:      c.host,
		Port:      c.port,
		Database:  c.database,
		Connected: c.IsConnected(),
		Server:    c.desc,
	}
	if c.conn != nil {
		info.ConnectionID = c.conn.ID()
	}
	return info
}

// IsReplicaSet reports whether the server is a replica set member. It is
// detected lazily with one isMaster command and cached. Transactions are
// not pre-filtered on standalone servers; the server rejects them itself.
func (c *Client) IsReplicaSet(ctx context.Context) (bool, error) {
	if c.replicaSet != nil {
		return *c.replicaSet, nil
	}

	cmd := command.New("isMaster", int32(1), adminDB)
	result, err := c.run(ctx, cmd, nil)
	if err != nil {
		return false, err
	}

	_, setNameErr := result.Document.LookupErr("setName")
	_, hostsErr := result.Document.LookupErr("hosts")
	rs := setNameErr == nil || hostsErr == nil
	c.replicaSet = &rs
	return rs, nil
}

// OperationTime returns the latest operationTime observed on this
// connection, or nil.
func (c *Client) OperationTime() *primitive.Timestamp {
	return c.clock.OperationTime()
}

// ClusterTime returns the latest $clusterTime observed on this connection,
// or nil.
func (c *Client) ClusterTime() bson.Raw {
	return c.clock.ClusterTime()
}

// run applies the injection rules, frames the command, performs one
// request/response round trip and interprets the reply. Every response
// advances the causal clock, including failed ones.
func (c *Client) run(ctx context.Context, cmd *command.Command, sess *session.Session) (*command.Result, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	command.Prepare(cmd, sess, c.clock)

	body, err := cmd.Marshal()
	if err != nil {
		return nil, errors.Wrapf(err, "failed encoding %s command", cmd.Verb())
	}

	request := msg.NewMsg(msg.NextRequestID(), body)
	if err = c.conn.Write(ctx, request); err != nil {
		return nil, err
	}

	response, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	if response.RespTo != request.ReqID {
		return nil, errors.Errorf("received out of order response: expected %d but got %d", request.ReqID, response.RespTo)
	}

	result, cmdErr := command.DecodeResponse(cmd.Verb(), response.Body)
	if result != nil {
		if result.OperationTime != nil {
			c.clock.AdvanceOperationTime(*result.OperationTime)
		}
		if result.ClusterTime != nil {
			c.clock.AdvanceClusterTime(result.ClusterTime)
		}
	}

	return result, cmdErr
}

// describeServer runs the handshake commands over a fresh connection,
// before authentication.
func describeServer(ctx context.Context, hc conn.Connection) (*conn.Desc, error) {
	isMaster, err := roundTrip(ctx, hc, bson.D{
		{Key: "isMaster", Value: int32(1)},
		{Key: "$db", Value: adminDB},
	})
	if err != nil {
		return nil, err
	}

	buildInfo, err := roundTrip(ctx, hc, bson.D{
		{Key: "buildInfo", Value: int32(1)},
		{Key: "$db", Value: adminDB},
	})
	if err != nil {
		return nil, err
	}

	desc := &conn.Desc{}

	if v, err := buildInfo.LookupErr("version"); err == nil {
		desc.Version.Desc, _ = v.StringValueOK()
	}
	if v, err := buildInfo.LookupErr("gitVersion"); err == nil {
		desc.GitVersion, _ = v.StringValueOK()
	}
	if v, err := buildInfo.LookupErr("versionArray"); err == nil {
		if arr, ok := v.ArrayOK(); ok {
			vals, _ := arr.Values()
			for _, val := range vals {
				if n, ok := val.Int32OK(); ok {
					desc.Version.Parts = append(desc.Version.Parts, uint8(n))
				}
			}
		}
	}
	if v, err := isMaster.LookupErr("maxBsonObjectSize"); err == nil {
		if n, ok := v.Int32OK(); ok {
			desc.MaxBSONObjectSize = uint32(n)
		}
	}
	if v, err := isMaster.LookupErr("maxMessageSizeBytes"); err == nil {
		if n, ok := v.Int32OK(); ok {
			desc.MaxMessageSizeBytes = uint32(n)
		}
	}
	if v, err := isMaster.LookupErr("maxWriteBatchSize"); err == nil {
		if n, ok := v.Int32OK(); ok {
			desc.MaxWriteBatchSize = uint32(n)
		}
	}
	if v, err := isMaster.LookupErr("minWireVersion"); err == nil {
		desc.WireVersion.Min, _ = v.Int32OK()
	}
	if v, err := isMaster.LookupErr("maxWireVersion"); err == nil {
		desc.WireVersion.Max, _ = v.Int32OK()
	}
	if v, err := isMaster.LookupErr("readOnly"); err == nil {
		desc.ReadOnly, _ = v.BooleanOK()
	}
	if v, err := isMaster.LookupErr("setName"); err == nil {
		desc.SetName, _ = v.StringValueOK()
	}

	return desc, nil
}

func roundTrip(ctx context.Context, hc conn.Connection, cmd bson.D) (bson.Raw, error) {
	body, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	request := msg.NewMsg(msg.NextRequestID(), bson.Raw(body))
	if err = hc.Write(ctx, request); err != nil {
		return nil, err
	}

	response, err := hc.Read(ctx)
	if err != nil {
		return nil, err
	}

	return response.Body, nil
}
