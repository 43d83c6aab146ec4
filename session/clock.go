package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Clock tracks the most recent operationTime and $clusterTime observed on
// the connection. It is shared across every session so causally consistent
// reads see writes from any of them. Advancement is last-writer-wins with a
// monotonic guard; the server rejects impossible values anyway.
type Clock struct {
	mu            sync.Mutex
	operationTime *primitive.Timestamp
	clusterTime   bson.Raw
}

// OperationTime returns the latest observed operation time, or nil.
func (c *Clock) OperationTime() *primitive.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operationTime
}

// ClusterTime returns the latest observed $clusterTime value document, or
// nil.
func (c *Clock) ClusterTime() bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterTime
}

// AdvanceOperationTime records a newer operation time.
func (c *Clock) AdvanceOperationTime(ts primitive.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.operationTime == nil || ts.After(*c.operationTime) {
		c.operationTime = &ts
	}
}

// AdvanceClusterTime records a newer $clusterTime value document.
func (c *Clock) AdvanceClusterTime(clusterTime bson.Raw) {
	if clusterTime == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if clusterTimestamp(clusterTime).After(clusterTimestamp(c.clusterTime)) || c.clusterTime == nil {
		c.clusterTime = clusterTime
	}
}

// Reset clears both times. Used when the connection closes.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.operationTime = nil
	c.clusterTime = nil
	c.mu.Unlock()
}

// clusterTimestamp digs the timestamp out of a $clusterTime value document
// of the form {clusterTime: <timestamp>, signature: {...}}.
func clusterTimestamp(clusterTime bson.Raw) primitive.Timestamp {
	if clusterTime == nil {
		return primitive.Timestamp{}
	}

	val, err := clusterTime.LookupErr("clusterTime")
	if err != nil {
		return primitive.Timestamp{}
	}

	t, i, ok := val.TimestampOK()
	if !ok {
		return primitive.Timestamp{}
	}

	return primitive.Timestamp{T: t, I: i}
}
