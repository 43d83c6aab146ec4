package mongowire

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitven/mongowire/command"
	"github.com/bitven/mongowire/session"
)

// SessionOptions configures StartSession.
type SessionOptions struct {
	// CausalConsistency defaults to true.
	CausalConsistency *bool

	// DefaultTransactionOptions apply to transactions started without
	// their own options.
	DefaultTransactionOptions *session.TransactionOptions
}

func (o *SessionOptions) causal() bool {
	if o == nil || o.CausalConsistency == nil {
		return true
	}
	return *o.CausalConsistency
}

// StartSession asks the server for a logical session and registers it.
// Stale sessions are garbage collected opportunistically on the way.
func (c *Client) StartSession(ctx context.Context, opts *SessionOptions) (*session.Session, error) {
	c.registry.CleanupStale(session.StaleSessionTimeout)

	cmd := command.New("startSession", int32(1), adminDB)

	result, err := c.run(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}

	idDoc, err := result.Document.LookupErr("id")
	if err != nil {
		return nil, errors.Wrap(err, "startSession response carries no id")
	}
	lsid, ok := idDoc.DocumentOK()
	if !ok {
		return nil, errors.New("startSession id is not a document")
	}
	idVal, err := lsid.LookupErr("id")
	if err != nil {
		return nil, errors.Wrap(err, "startSession id carries no UUID")
	}
	subtype, data := idVal.Binary()
	if subtype != session.UUIDSubtype {
		return nil, errors.Errorf("session id has binary subtype %d, expected %d", subtype, session.UUIDSubtype)
	}

	var defaults *session.TransactionOptions
	if opts != nil {
		defaults = opts.DefaultTransactionOptions
	}

	sess := session.New(data, opts.causal(), defaults)
	c.registry.Register(sess)
	return sess, nil
}

// StartTransaction opens a transaction on the session. No network call is
// made; the server starts the transaction when the first operation carrying
// startTransaction arrives.
func (c *Client) StartTransaction(sess *session.Session, opts *session.TransactionOptions) error {
	return sess.StartTransaction(opts)
}

// SessionState returns the session's transaction state as the server
// spells it.
func (c *Client) SessionState(sess *session.Session) string {
	return sess.State().String()
}

// CommitTransaction commits the session's running transaction. On a
// transient or unknown-commit-result failure the transaction state is
// preserved so WithTransaction can retry; any other failure aborts it.
func (c *Client) CommitTransaction(ctx context.Context, sess *session.Session, opts *Options) error {
	if !sess.TransactionRunning() {
		return &session.TransactionError{Message: "no transaction in progress to commit"}
	}

	// The server never saw a transaction that had no operations; commit
	// is purely local then.
	if sess.TransactionStarting() {
		sess.MarkCommitted()
		return nil
	}

	cmd := command.New("commitTransaction", int32(1), adminDB)
	cmd.Append("lsid", sess.SessionID())
	cmd.Append("txnNumber", sess.TxnNumber)
	cmd.Append("autocommit", false)
	if txnOpts := sess.CurrentTransactionOptions(); txnOpts != nil {
		if txnOpts.WriteConcern != nil {
			cmd.Append("writeConcern", txnOpts.WriteConcern.Document())
		}
		if txnOpts.MaxCommitTimeMS > 0 {
			cmd.Append("maxTimeMS", txnOpts.MaxCommitTimeMS)
		}
	}
	applyOptions(cmd, opts)

	sess.UpdateUseTime()

	_, err := c.run(ctx, cmd, nil)
	if err == nil {
		sess.MarkCommitted()
		return nil
	}

	if command.IsTransientTransactionError(err) || command.IsUnknownTransactionCommitResult(err) {
		return err
	}

	sess.MarkAborted()
	return err
}

// AbortTransaction rolls the session's running transaction back. The local
// state moves to aborted even when the server cannot be reached.
func (c *Client) AbortTransaction(ctx context.Context, sess *session.Session, opts *Options) error {
	if !sess.TransactionRunning() {
		return &session.TransactionError{Message: "no transaction in progress to abort"}
	}

	if sess.TransactionStarting() {
		sess.MarkAborted()
		return nil
	}

	cmd := command.New("abortTransaction", int32(1), adminDB)
	cmd.Append("lsid", sess.SessionID())
	cmd.Append("txnNumber", sess.TxnNumber)
	cmd.Append("autocommit", false)
	applyOptions(cmd, opts)

	sess.UpdateUseTime()
	defer sess.MarkAborted()

	_, err := c.run(ctx, cmd, nil)
	return err
}

// EndSessions removes the sessions from the registry and releases them on
// the server.
func (c *Client) EndSessions(ctx context.Context, sessions ...*session.Session) error {
	ids := make(bson.A, 0, len(sessions))
	for _, sess := range sessions {
		c.registry.Remove(sess.Key())
		ids = append(ids, sess.SessionID())
	}

	cmd := command.New("endSessions", ids, adminDB)

	_, err := c.run(ctx, cmd, nil)
	return err
}

// WithTransactionOptions tunes the WithTransaction retry harness.
type WithTransactionOptions struct {
	// MaxRetries bounds whole-transaction attempts (default 3).
	MaxRetries int

	// RetryDelay separates attempts (default 100ms).
	RetryDelay time.Duration

	// TransactionOptions apply to each started transaction.
	TransactionOptions *session.TransactionOptions
}

const (
	defaultTxnRetries    = 3
	defaultTxnRetryDelay = 100 * time.Millisecond
	commitRetries        = 3
)

// WithTransaction runs the callback inside a transaction, retrying the
// whole transaction on transient failures and the commit alone on unknown
// commit results.
func (c *Client) WithTransaction(ctx context.Context, sess *session.Session, fn func(ctx context.Context) error, opts *WithTransactionOptions) error {
	maxRetries := defaultTxnRetries
	retryDelay := defaultTxnRetryDelay
	var txnOpts *session.TransactionOptions
	if opts != nil {
		if opts.MaxRetries > 0 {
			maxRetries = opts.MaxRetries
		}
		if opts.RetryDelay > 0 {
			retryDelay = opts.RetryDelay
		}
		txnOpts = opts.TransactionOptions
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		if err := c.StartTransaction(sess, txnOpts); err != nil {
			return err
		}

		if err := fn(ctx); err != nil {
			_ = c.AbortTransaction(ctx, sess, nil)
			if command.IsTransientTransactionError(err) {
				lastErr = err
				continue
			}
			return err
		}

		var commitErr error
		for i := 0; i < commitRetries; i++ {
			commitErr = c.CommitTransaction(ctx, sess, nil)
			if commitErr == nil {
				return nil
			}
			if !command.IsUnknownTransactionCommitResult(commitErr) {
				break
			}
		}

		if command.IsTransientTransactionError(commitErr) || command.IsUnknownTransactionCommitResult(commitErr) {
			if sess.TransactionRunning() {
				_ = c.AbortTransaction(ctx, sess, nil)
			}
			lastErr = commitErr
			continue
		}
		return commitErr
	}

	return &session.TransactionError{
		Message: errors.Wrap(lastErr, "transaction failed after maximum retries").Error(),
	}
}
