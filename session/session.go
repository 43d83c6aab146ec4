// Package session tracks server-assigned logical sessions, their
// transaction state machines, and the causally-consistent time observed on
// the connection.
package session

import (
	"encoding/hex"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bitven/mongowire/readconcern"
	"github.com/bitven/mongowire/writeconcern"
)

// UUIDSubtype is the BSON binary subtype that a session id is encoded as.
const UUIDSubtype byte = 4

// StaleSessionTimeout is how long an unused session survives before the
// registry garbage-collects it.
const StaleSessionTimeout = 30 * time.Minute

// State is the transaction state of a session.
type State uint8

// The transaction states. Starting covers the window between
// StartTransaction and the first command sent under the transaction;
// Committed and Aborted are terminal for the transaction, not the session.
const (
	None State = iota
	Starting
	InProgress
	Committed
	Aborted
)

// String implements fmt.Stringer using the server's spelling.
func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case InProgress:
		return "in_progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "none"
	}
}

// TransactionConflictError is returned from StartTransaction when the
// session already has a transaction running.
type TransactionConflictError struct {
	State State
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("transaction already %s on this session", e.State)
}

// TransactionError is a transaction state machine violation.
type TransactionError struct {
	Message string
}

func (e *TransactionError) Error() string {
	return e.Message
}

// TransactionOptions carries the concerns applied to the first operation of
// a transaction.
type TransactionOptions struct {
	ReadConcern     *readconcern.ReadConcern
	WriteConcern    *writeconcern.WriteConcern
	ReadPreference  string
	MaxCommitTimeMS int64
}

// Session is a server-assigned logical session.
type Session struct {
	// IDBytes is the raw UUID the server handed back in lsid.id.
	IDBytes []byte

	TxnNumber        int64
	RetryWriteNumber int64
	LastUsed         time.Time
	Consistent       bool

	state       State
	defaultOpts *TransactionOptions
	currentOpts *TransactionOptions
}

// New creates a session around a server-assigned UUID.
func New(idBytes []byte, consistent bool, defaults *TransactionOptions) *Session {
	return &Session{
		IDBytes:     append([]byte(nil), idBytes...),
		Consistent:  consistent,
		defaultOpts: defaults,
		LastUsed:    time.Now(),
	}
}

// Key returns the registry key: the hex encoding of the raw UUID bytes.
// The bytes themselves are the identity; a lossy string form would collide.
func (s *Session) Key() string {
	return hex.EncodeToString(s.IDBytes)
}

// SessionID renders the lsid value document.
func (s *Session) SessionID() bson.D {
	return bson.D{{Key: "id", Value: primitive.Binary{Subtype: UUIDSubtype, Data: s.IDBytes}}}
}

// State returns the current transaction state.
func (s *Session) State() State {
	return s.state
}

// TransactionRunning indicates a transaction is active on the session.
func (s *Session) TransactionRunning() bool {
	return s.state == Starting || s.state == InProgress
}

// TransactionStarting indicates the next command is the transaction's first.
func (s *Session) TransactionStarting() bool {
	return s.state == Starting
}

// CurrentTransactionOptions returns the options for the running
// transaction, falling back to the session defaults.
func (s *Session) CurrentTransactionOptions() *TransactionOptions {
	if s.currentOpts != nil {
		return s.currentOpts
	}
	return s.defaultOpts
}

// StartTransaction advances the state machine into a new transaction. The
// transaction number increments exactly once per started transaction and
// never decreases. No network call is made; the server starts the
// transaction when it sees the first command carrying startTransaction.
func (s *Session) StartTransaction(opts *TransactionOptions) error {
	if s.TransactionRunning() {
		return &TransactionConflictError{State: s.state}
	}

	s.TxnNumber++
	s.state = Starting
	s.currentOpts = opts
	return nil
}

// ApplyCommand records that a command was sent under this session,
// completing the transaction's first operation if one was pending.
func (s *Session) ApplyCommand() {
	if s.state == Starting {
		s.state = InProgress
	}
}

// MarkCommitted moves the running transaction to its committed terminal
// state.
func (s *Session) MarkCommitted() {
	s.state = Committed
	s.currentOpts = nil
}

// MarkAborted moves the running transaction to its aborted terminal state.
func (s *Session) MarkAborted() {
	s.state = Aborted
	s.currentOpts = nil
}

// UpdateUseTime updates the session's last used time. Must be called
// whenever this session is used to send a command to the server.
func (s *Session) UpdateUseTime() {
	s.LastUsed = time.Now()
}

// NextRetryWriteNumber returns the transaction number to attach to a
// retryable write outside a transaction.
func (s *Session) NextRetryWriteNumber() int64 {
	s.RetryWriteNumber++
	return s.RetryWriteNumber
}

func (s *Session) expired(maxIdle time.Duration) bool {
	return time.Since(s.LastUsed) > maxIdle
}
