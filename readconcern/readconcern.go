// Package readconcern defines read concerns for MongoDB operations.
package readconcern

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Levels accepted by the server.
const (
	LevelLocal        = "local"
	LevelAvailable    = "available"
	LevelMajority     = "majority"
	LevelLinearizable = "linearizable"
	LevelSnapshot     = "snapshot"
)

// InvalidConcernError indicates a level outside the recognized set.
type InvalidConcernError struct {
	Level string
}

func (e *InvalidConcernError) Error() string {
	return fmt.Sprintf("invalid read concern level %q", e.Level)
}

// A ReadConcern defines the consistency and isolation properties of the
// data read from replica sets and replica set shards.
type ReadConcern struct {
	Level string
}

// New constructs a ReadConcern, validating the level.
func New(level string) (*ReadConcern, error) {
	switch level {
	case LevelLocal, LevelAvailable, LevelMajority, LevelLinearizable, LevelSnapshot:
		return &ReadConcern{Level: level}, nil
	default:
		return nil, &InvalidConcernError{Level: level}
	}
}

// Local returns a ReadConcern that requests data from the instance with no
// guarantee that the data has been written to a majority of the replica set
// members (i.e. may be rolled back).
func Local() *ReadConcern {
	return &ReadConcern{Level: LevelLocal}
}

// Majority returns a ReadConcern that requests data that has been
// acknowledged by a majority of the replica set members (i.e. the documents
// read are durable and guaranteed not to roll back).
func Majority() *ReadConcern {
	return &ReadConcern{Level: LevelMajority}
}

// Linearizable returns a ReadConcern that requests data that reflects all
// successful majority-acknowledged writes that completed prior to the start
// of the read operation.
func Linearizable() *ReadConcern {
	return &ReadConcern{Level: LevelLinearizable}
}

// Available returns a ReadConcern that requests data from an instance with
// no guarantee that the data has been written to a majority of the replica
// set members.
func Available() *ReadConcern {
	return &ReadConcern{Level: LevelAvailable}
}

// Snapshot returns a ReadConcern that requests majority-committed data as
// it appears across shards from a specific single point in time in the
// recent past.
func Snapshot() *ReadConcern {
	return &ReadConcern{Level: LevelSnapshot}
}

// Document renders the concern as a command sub-document.
func (rc *ReadConcern) Document() bson.D {
	if rc == nil || rc.Level == "" {
		return bson.D{}
	}
	return bson.D{{Key: "level", Value: rc.Level}}
}
