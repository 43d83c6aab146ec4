package command

import (
	"errors"
	"fmt"
)

// Error labels attached by the server to retryable transaction failures.
const (
	TransientTransactionErrorLabel      = "TransientTransactionError"
	UnknownTransactionCommitResultLabel = "UnknownTransactionCommitResult"
)

var (
	// ErrNoCommandResponse occurs when the server sent no response document to a command.
	ErrNoCommandResponse = errors.New("no command response document")
)

var duplicateKeyCodes = map[int32]bool{
	11000: true,
	11001: true,
}

var networkErrorCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	9001:  true, // SocketException
	11600: true, // InterruptedAtShutdown
	11601: true, // Interrupted
	11602: true, // InterruptedDueToReplStateChange
}

var timeoutCodes = map[int32]bool{
	50:    true, // MaxTimeMSExpired
	89:    true, // NetworkTimeout
	11601: true, // Interrupted
}

var transientTransactionCodes = map[int32]bool{
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	251:   true, // NoSuchTransaction
	262:   true, // ExceededTimeLimit
	10107: true, // NotWritablePrimary
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
}

var unknownCommitCodes = map[int32]bool{
	50:    true,
	91:    true,
	189:   true,
	262:   true,
	9001:  true,
	10107: true,
	11600: true,
	11602: true,
	13435: true,
	13436: true,
}

// WriteError is a single entry of a response's writeErrors array.
type WriteError struct {
	Index   int32
	Code    int32
	Message string
}

func (e WriteError) Error() string {
	return e.Message
}

// WriteConcernError is the server's report that a write could not satisfy
// the requested write concern.
type WriteConcernError struct {
	Code    int32
	Name    string
	Message string
}

func (e WriteConcernError) Error() string {
	return fmt.Sprintf("write concern error: (%d) %s", e.Code, e.Message)
}

// Error is a command execution error from the database. Callers categorize
// with the Is* predicates rather than by matching message strings.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string

	// OperationType names the command family that produced the error.
	OperationType string

	WriteErrors        []WriteError
	WriteConcernErrors []WriteConcernError
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Code != 0 || e.Name != "" {
		return fmt.Sprintf("E%d %s: %s", e.Code, e.Name, e.Message)
	}
	return e.Message
}

// HasLabel returns whether the error has the given label.
func (e Error) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsDuplicateKey indicates a unique index violation.
func IsDuplicateKey(err error) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	if duplicateKeyCodes[e.Code] {
		return true
	}
	for _, we := range e.WriteErrors {
		if duplicateKeyCodes[we.Code] {
			return true
		}
	}
	return false
}

// IsNetworkError indicates the server-side socket family of failures.
func IsNetworkError(err error) bool {
	var e Error
	return errors.As(err, &e) && networkErrorCodes[e.Code]
}

// IsTimeout indicates the operation exceeded its time allowance.
func IsTimeout(err error) bool {
	var e Error
	return errors.As(err, &e) && timeoutCodes[e.Code]
}

// IsWriteConcernFailure indicates the response carried write concern
// errors.
func IsWriteConcernFailure(err error) bool {
	var e Error
	return errors.As(err, &e) && len(e.WriteConcernErrors) > 0
}

// IsTransientTransactionError is a pure predicate over {code, labels}
// deciding whether the whole transaction may be retried from the top.
func IsTransientTransactionError(err error) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.HasLabel(TransientTransactionErrorLabel) || transientTransactionCodes[e.Code]
}

// IsUnknownTransactionCommitResult decides whether a commit may or may not
// have applied, in which case only the commit itself is retried.
func IsUnknownTransactionCommitResult(err error) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.HasLabel(UnknownTransactionCommitResultLabel) || unknownCommitCodes[e.Code]
}
