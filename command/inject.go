package command

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitven/mongowire/session"
)

// readConcernForbidden names the verbs that must never carry a readConcern
// field. The server answers E72 InvalidOptions otherwise.
var readConcernForbidden = map[string]bool{
	"getMore":     true,
	"killCursors": true,
}

// Prepare applies the session, transaction and causal-consistency fields to
// a command immediately before framing.
//
// Ordering rules enforced here, in this order:
//   - a session stamps lsid on every command it owns;
//   - inside a transaction, txnNumber and autocommit:false ride along, and
//     startTransaction plus the transaction's concerns appear on exactly
//     the first operation. Later operations must not carry readConcern.
//   - outside a session, a tracked operationTime is folded into
//     readConcern.afterClusterTime for verbs that allow it;
//   - a tracked $clusterTime is gossiped on every command.
func Prepare(cmd *Command, sess *session.Session, clock *session.Clock) {
	if clock == nil {
		clock = &session.Clock{}
	}

	if sess != nil {
		cmd.Set("lsid", sess.SessionID())

		if sess.TransactionRunning() {
			cmd.Set("txnNumber", sess.TxnNumber)
			cmd.Set("autocommit", false)

			if sess.TransactionStarting() {
				cmd.Set("startTransaction", true)
				if opts := sess.CurrentTransactionOptions(); opts != nil {
					if opts.ReadConcern != nil {
						cmd.Set("readConcern", opts.ReadConcern.Document())
					}
					if opts.WriteConcern != nil {
						cmd.Set("writeConcern", opts.WriteConcern.Document())
					}
				}
			} else {
				cmd.Delete("readConcern")
			}
		}

		sess.ApplyCommand()
		sess.UpdateUseTime()
	} else if opTime := clock.OperationTime(); opTime != nil && !readConcernForbidden[cmd.Verb()] {
		rc := lookupReadConcern(cmd)
		if !hasKey(rc, "afterClusterTime") {
			rc = append(rc, bson.E{Key: "afterClusterTime", Value: *opTime})
			cmd.Set("readConcern", rc)
		}
	}

	// A txnNumber without startTransaction marks a non-first transaction
	// operation or a retryable write; neither may carry readConcern.
	if cmd.Has("txnNumber") && !cmd.Has("startTransaction") && cmd.Has("readConcern") {
		cmd.Delete("readConcern")
	}

	if readConcernForbidden[cmd.Verb()] {
		cmd.Delete("readConcern")
	}

	if ct := clock.ClusterTime(); ct != nil {
		cmd.Set("$clusterTime", ct)
	}
}

func lookupReadConcern(cmd *Command) bson.D {
	v, ok := cmd.Lookup("readConcern")
	if !ok {
		return bson.D{}
	}

	switch rc := v.(type) {
	case bson.D:
		return rc
	case bson.M:
		out := make(bson.D, 0, len(rc))
		for k, val := range rc {
			out = append(out, bson.E{Key: k, Value: val})
		}
		return out
	default:
		return bson.D{}
	}
}

func hasKey(doc bson.D, key string) bool {
	for _, e := range doc {
		if e.Key == key {
			return true
		}
	}
	return false
}
