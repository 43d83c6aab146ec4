package mongowire

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitven/mongowire/command"
	"github.com/bitven/mongowire/readconcern"
	"github.com/bitven/mongowire/session"
	"github.com/bitven/mongowire/writeconcern"
)

// Options carries the per-operation options shared by the CRUD surface. A
// nil *Options means all defaults.
type Options struct {
	// Session associates the operation with a logical session; required
	// for operations inside a transaction.
	Session *session.Session

	ReadConcern  *readconcern.ReadConcern
	WriteConcern *writeconcern.WriteConcern

	// MaxTimeMS is passed verbatim to the server.
	MaxTimeMS int64

	// BatchSize bounds InsertMany batches (default 1000).
	BatchSize int

	// Ordered controls whether the server stops a batch at the first
	// failure (default true).
	Ordered *bool

	// Extra is appended to the command verbatim, after the fixed fields.
	Extra bson.D
}

func (o *Options) session() *session.Session {
	if o == nil {
		return nil
	}
	return o.Session
}

const defaultBatchSize = 1000

func (o *Options) batchSize() int {
	if o == nil || o.BatchSize <= 0 {
		return defaultBatchSize
	}
	return o.BatchSize
}

func (o *Options) ordered() bool {
	if o == nil || o.Ordered == nil {
		return true
	}
	return *o.Ordered
}

// applyOptions merges the options into the command through a fixed routine:
// concerns first, then maxTimeMS, then any remaining user options verbatim.
// The injection step may strip or override these later.
func applyOptions(cmd *command.Command, opts *Options) {
	if opts == nil {
		return
	}

	if opts.WriteConcern != nil {
		cmd.Set("writeConcern", opts.WriteConcern.Document())
	}
	if opts.ReadConcern != nil {
		cmd.Set("readConcern", opts.ReadConcern.Document())
	}
	if opts.MaxTimeMS > 0 {
		cmd.Set("maxTimeMS", opts.MaxTimeMS)
	}
	if len(opts.Extra) > 0 {
		cmd.AppendOptions(opts.Extra)
	}
}

// toDocument normalizes any document-shaped value into an ordered bson.D.
func toDocument(v interface{}) (bson.D, error) {
	if v == nil {
		return bson.D{}, nil
	}

	if d, ok := v.(bson.D); ok {
		return d, nil
	}

	b, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "value is not a document")
	}

	var doc bson.D
	if err := bson.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "value is not a document")
	}

	return doc, nil
}

// normalizeFilter coerces the array operands of $and/$or/$nor into
// sub-documents, so document-valued array elements are encoded as
// documents rather than raw arrays.
func normalizeFilter(filter interface{}) (bson.D, error) {
	doc, err := toDocument(filter)
	if err != nil {
		return nil, err
	}

	for i, e := range doc {
		switch e.Key {
		case "$and", "$or", "$nor":
			arr, err := toDocumentArray(e.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "%s operand", e.Key)
			}
			doc[i].Value = arr
		}
	}

	return doc, nil
}

func toDocumentArray(v interface{}) (bson.A, error) {
	var items []interface{}
	switch arr := v.(type) {
	case bson.A:
		items = arr
	case []interface{}:
		items = arr
	case []bson.D:
		for _, d := range arr {
			items = append(items, d)
		}
	case []bson.M:
		for _, m := range arr {
			items = append(items, m)
		}
	default:
		return nil, errors.Errorf("expected an array, got %T", v)
	}

	out := make(bson.A, 0, len(items))
	for _, item := range items {
		doc, err := toDocument(item)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
