// Package auth runs the SCRAM handshake over an established connection
// before it carries user commands.
package auth

import (
	"context"
	"fmt"

	"github.com/bitven/mongowire/conn"
)

const defaultAuthDB = "admin"

// Cred is a user's credential.
type Cred struct {
	Source   string
	Username string
	Password string
}

// Authenticator handles authenticating a connection.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(context.Context, conn.Connection) error
}

// New creates an authenticator for the named mechanism. An empty mechanism
// selects SCRAM-SHA-256.
func New(mechanism string, cred *Cred) (Authenticator, error) {
	switch mechanism {
	case SCRAMSHA1:
		return newScramSHA1Authenticator(cred)
	case SCRAMSHA256, "":
		return newScramSHA256Authenticator(cred)
	default:
		return nil, newAuthError(fmt.Sprintf("unsupported mechanism %q", mechanism), nil)
	}
}

func newAuthError(msg string, inner error) error {
	return &Error{
		message: msg,
		inner:   inner,
	}
}

func newError(err error, mech string) error {
	return &Error{
		message: fmt.Sprintf("unable to authenticate using mechanism \"%s\"", mech),
		inner:   err,
	}
}

// Error is an error that occurred during authentication.
type Error struct {
	message string
	inner   error
}

func (e *Error) Error() string {
	if e.inner == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.inner)
}

// Inner returns the wrapped error.
func (e *Error) Inner() error {
	return e.inner
}

// Message returns the message.
func (e *Error) Message() string {
	return e.message
}
