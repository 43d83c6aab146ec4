// Package writeconcern defines write concerns for MongoDB operations.
package writeconcern

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// InvalidConcernError indicates a write concern the server would reject.
type InvalidConcernError struct {
	Reason string
}

func (e *InvalidConcernError) Error() string {
	return fmt.Sprintf("invalid write concern: %s", e.Reason)
}

// WriteConcern describes the level of acknowledgement requested from
// MongoDB for write operations to a standalone mongod or to replica sets or
// to sharded clusters.
type WriteConcern struct {
	w        interface{}
	j        bool
	jSet     bool
	wTimeout int64
}

// Option is an option to provide when creating a WriteConcern.
type Option func(concern *WriteConcern)

// New constructs and validates a WriteConcern.
func New(options ...Option) (*WriteConcern, error) {
	concern := &WriteConcern{}

	for _, option := range options {
		option(concern)
	}

	if err := concern.Validate(); err != nil {
		return nil, err
	}

	return concern, nil
}

// W requests acknowledgement that write operations propagate to the
// specified number of mongod instances.
func W(w int) Option {
	return func(concern *WriteConcern) {
		concern.w = w
	}
}

// WMajority requests acknowledgement that write operations propagate to the
// majority of mongod instances.
func WMajority() Option {
	return func(concern *WriteConcern) {
		concern.w = "majority"
	}
}

// WTagSet requests acknowledgement that write operations propagate to the
// named mongod instances.
func WTagSet(tag string) Option {
	return func(concern *WriteConcern) {
		concern.w = tag
	}
}

// J requests acknowledgement from MongoDB that write operations are written
// to the journal.
func J(j bool) Option {
	return func(concern *WriteConcern) {
		concern.j = j
		concern.jSet = true
	}
}

// WTimeout specifies a time limit, in milliseconds, for the write concern.
func WTimeout(ms int64) Option {
	return func(concern *WriteConcern) {
		concern.wTimeout = ms
	}
}

// Validate checks the concern against the server's rules: w is a
// non-negative integer or a string, wtimeout is non-negative, and w=0
// cannot be combined with j=true.
func (wc *WriteConcern) Validate() error {
	switch w := wc.w.(type) {
	case nil:
	case int:
		if w < 0 {
			return &InvalidConcernError{Reason: fmt.Sprintf("w cannot be negative, got %d", w)}
		}
		if w == 0 && wc.jSet && wc.j {
			return &InvalidConcernError{Reason: "cannot have both w=0 and j=true"}
		}
	case string:
		if w == "" {
			return &InvalidConcernError{Reason: "w string cannot be empty"}
		}
	default:
		return &InvalidConcernError{Reason: fmt.Sprintf("w must be an integer or a string, got %T", w)}
	}

	if wc.wTimeout < 0 {
		return &InvalidConcernError{Reason: fmt.Sprintf("wtimeout cannot be negative, got %d", wc.wTimeout)}
	}

	return nil
}

// Acknowledged indicates whether a write with the given write concern will
// be acknowledged.
func (wc *WriteConcern) Acknowledged() bool {
	if wc == nil || (wc.jSet && wc.j) {
		return true
	}

	if w, ok := wc.w.(int); ok && w == 0 {
		return false
	}

	return true
}

// Document renders the concern as a command sub-document.
func (wc *WriteConcern) Document() bson.D {
	doc := bson.D{}
	if wc == nil {
		return doc
	}

	if wc.w != nil {
		switch w := wc.w.(type) {
		case int:
			doc = append(doc, bson.E{Key: "w", Value: int32(w)})
		case string:
			doc = append(doc, bson.E{Key: "w", Value: w})
		}
	}
	if wc.jSet {
		doc = append(doc, bson.E{Key: "j", Value: wc.j})
	}
	if wc.wTimeout > 0 {
		doc = append(doc, bson.E{Key: "wtimeout", Value: wc.wTimeout})
	}

	return doc
}

// FromDocument builds a WriteConcern from a user-supplied specification of
// the form {w?, j?, wtimeout?}.
func FromDocument(spec bson.D) (*WriteConcern, error) {
	var opts []Option
	for _, e := range spec {
		switch e.Key {
		case "w":
			switch w := e.Value.(type) {
			case int:
				opts = append(opts, W(w))
			case int32:
				opts = append(opts, W(int(w)))
			case int64:
				opts = append(opts, W(int(w)))
			case string:
				opts = append(opts, WTagSet(w))
			default:
				return nil, &InvalidConcernError{Reason: fmt.Sprintf("w must be an integer or a string, got %T", e.Value)}
			}
		case "j":
			j, ok := e.Value.(bool)
			if !ok {
				return nil, &InvalidConcernError{Reason: fmt.Sprintf("j must be a boolean, got %T", e.Value)}
			}
			opts = append(opts, J(j))
		case "wtimeout":
			switch wt := e.Value.(type) {
			case int:
				opts = append(opts, WTimeout(int64(wt)))
			case int32:
				opts = append(opts, WTimeout(int64(wt)))
			case int64:
				opts = append(opts, WTimeout(wt))
			default:
				return nil, &InvalidConcernError{Reason: fmt.Sprintf("wtimeout must be an integer, got %T", e.Value)}
			}
		default:
			return nil, &InvalidConcernError{Reason: fmt.Sprintf("unrecognized field %q", e.Key)}
		}
	}

	return New(opts...)
}
