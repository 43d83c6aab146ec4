package mongowire

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitven/mongowire/command"
)

// BulkWriteError reports a failure inside a multi-document write. Processed
// holds every document prepared before the failing batch stopped the run.
type BulkWriteError struct {
	OperationType string
	Processed     []bson.D
	Err           error
}

func (e *BulkWriteError) Error() string {
	return errors.Wrapf(e.Err, "bulk %s failed with %d documents prepared", e.OperationType, len(e.Processed)).Error()
}

func (e *BulkWriteError) Unwrap() error {
	return e.Err
}

// Insert writes a single document. A missing or empty _id is filled with a
// UUID v7 rendered as a 36 character string. The prepared document is
// returned.
func (c *Client) Insert(ctx context.Context, collection string, document interface{}, opts *Options) (bson.D, error) {
	doc, err := toDocument(document)
	if err != nil {
		return nil, err
	}
	doc, err = ensureID(doc)
	if err != nil {
		return nil, err
	}

	cmd := command.New("insert", collection, c.database)
	cmd.Append("documents", bson.A{doc})
	applyOptions(cmd, opts)

	if _, err := c.run(ctx, cmd, opts.session()); err != nil {
		return nil, err
	}

	return doc, nil
}

// InsertMany writes documents in batches. Within an ordered batch the
// server stops at the first failure; on any failure later batches are not
// attempted and a BulkWriteError carries the prepared documents.
func (c *Client) InsertMany(ctx context.Context, collection string, documents []interface{}, opts *Options) ([]bson.D, error) {
	prepared := make([]bson.D, 0, len(documents))
	for _, document := range documents {
		doc, err := toDocument(document)
		if err != nil {
			return nil, err
		}
		doc, err = ensureID(doc)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, doc)
	}

	batchSize := opts.batchSize()
	ordered := opts.ordered()

	for start := 0; start < len(prepared); start += batchSize {
		end := start + batchSize
		if end > len(prepared) {
			end = len(prepared)
		}

		batch := make(bson.A, 0, end-start)
		for _, doc := range prepared[start:end] {
			batch = append(batch, doc)
		}

		cmd := command.New("insert", collection, c.database)
		cmd.Append("documents", batch)
		cmd.Append("ordered", ordered)
		applyOptions(cmd, opts)

		if _, err := c.run(ctx, cmd, opts.session()); err != nil {
			return prepared, &BulkWriteError{
				OperationType: "insert",
				Processed:     prepared,
				Err:           err,
			}
		}
	}

	return prepared, nil
}

// Update applies one update statement and returns the server's n.
func (c *Client) Update(ctx context.Context, collection string, filter, update interface{}, multi bool, opts *Options) (int64, error) {
	q, err := normalizeFilter(filter)
	if err != nil {
		return 0, err
	}
	u, err := toDocument(update)
	if err != nil {
		return 0, err
	}

	cmd := command.New("update", collection, c.database)
	cmd.Append("updates", bson.A{bson.D{
		{Key: "q", Value: q},
		{Key: "u", Value: u},
		{Key: "multi", Value: multi},
		{Key: "upsert", Value: false},
	}})
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return 0, err
	}
	return result.N, nil
}

// UpsertOperation is one statement of a bulk Upsert.
type UpsertOperation struct {
	Filter interface{}
	Update interface{}
	Multi  bool
}

// Upsert applies the operations as a single update command with upsert
// forced on for every statement, and returns the server's n.
func (c *Client) Upsert(ctx context.Context, collection string, operations []UpsertOperation, opts *Options) (int64, error) {
	updates := make(bson.A, 0, len(operations))
	for _, op := range operations {
		q, err := normalizeFilter(op.Filter)
		if err != nil {
			return 0, err
		}
		u, err := toDocument(op.Update)
		if err != nil {
			return 0, err
		}
		updates = append(updates, bson.D{
			{Key: "q", Value: q},
			{Key: "u", Value: u},
			{Key: "multi", Value: op.Multi},
			{Key: "upsert", Value: true},
		})
	}

	cmd := command.New("update", collection, c.database)
	cmd.Append("updates", updates)
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return 0, err
	}
	return result.N, nil
}

// Find runs a query and returns the interpreted cursor response.
func (c *Client) Find(ctx context.Context, collection string, filter interface{}, opts *Options) (*command.Result, error) {
	q, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	cmd := command.New("find", collection, c.database)
	cmd.Append("filter", q)
	applyOptions(cmd, opts)

	return c.run(ctx, cmd, opts.session())
}

// Aggregate runs a pipeline. The cursor sub-document is always present.
func (c *Client) Aggregate(ctx context.Context, collection string, pipeline interface{}, opts *Options) (*command.Result, error) {
	stages, err := toDocumentArray(pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline")
	}

	cmd := command.New("aggregate", collection, c.database)
	cmd.Append("pipeline", stages)
	cmd.Append("cursor", bson.D{})
	applyOptions(cmd, opts)

	return c.run(ctx, cmd, opts.session())
}

// FindAndModify atomically selects and modifies one document, returning
// the server response (the document rides in its value field).
func (c *Client) FindAndModify(ctx context.Context, collection string, query, update interface{}, opts *Options) (*command.Result, error) {
	q, err := normalizeFilter(query)
	if err != nil {
		return nil, err
	}
	u, err := toDocument(update)
	if err != nil {
		return nil, err
	}

	cmd := command.New("findAndModify", collection, c.database)
	cmd.Append("query", q)
	cmd.Append("update", u)
	applyOptions(cmd, opts)

	return c.run(ctx, cmd, opts.session())
}

// Delete removes documents matching the filter. multi false limits the
// delete to one document. Returns the server's n.
func (c *Client) Delete(ctx context.Context, collection string, filter interface{}, multi bool, opts *Options) (int64, error) {
	q, err := normalizeFilter(filter)
	if err != nil {
		return 0, err
	}

	limit := int32(1)
	if multi {
		limit = 0
	}

	cmd := command.New("delete", collection, c.database)
	cmd.Append("deletes", bson.A{bson.D{
		{Key: "q", Value: q},
		{Key: "limit", Value: limit},
	}})
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return 0, err
	}
	return result.N, nil
}

// Count returns the number of documents matching the filter. Server
// failures surface to the caller.
func (c *Client) Count(ctx context.Context, collection string, filter interface{}, opts *Options) (int64, error) {
	q, err := normalizeFilter(filter)
	if err != nil {
		return 0, err
	}

	cmd := command.New("count", collection, c.database)
	cmd.Append("query", q)
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return 0, err
	}
	return result.N, nil
}

// GetMore fetches the next batch of an open cursor.
func (c *Client) GetMore(ctx context.Context, collection string, cursorID int64, opts *Options) (*command.Result, error) {
	cmd := command.New("getMore", cursorID, c.database)
	cmd.Append("collection", collection)
	applyOptions(cmd, opts)

	return c.run(ctx, cmd, opts.session())
}

// KillCursors closes open cursors on the collection.
func (c *Client) KillCursors(ctx context.Context, collection string, cursorIDs []int64, opts *Options) error {
	ids := make(bson.A, 0, len(cursorIDs))
	for _, id := range cursorIDs {
		ids = append(ids, id)
	}

	cmd := command.New("killCursors", collection, c.database)
	cmd.Append("cursors", ids)
	applyOptions(cmd, opts)

	_, err := c.run(ctx, cmd, opts.session())
	return err
}

// LastDocument returns the most recently inserted document of a
// collection, or nil when it is empty.
func (c *Client) LastDocument(ctx context.Context, collection string, opts *Options) (bson.Raw, error) {
	cmd := command.New("find", collection, c.database)
	cmd.Append("filter", bson.D{})
	cmd.Append("sort", bson.D{{Key: "$natural", Value: int32(-1)}})
	cmd.Append("limit", int32(1))
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return nil, err
	}

	if result.Cursor == nil || len(result.Cursor.FirstBatch) == 0 {
		return nil, nil
	}
	return result.Cursor.FirstBatch[0], nil
}

// ensureID fills a missing or empty _id with a UUID v7 string.
func ensureID(doc bson.D) (bson.D, error) {
	for _, e := range doc {
		if e.Key != "_id" {
			continue
		}
		if s, ok := e.Value.(string); !ok || s != "" {
			return doc, nil
		}
		// empty string _id is replaced below
		trimmed := make(bson.D, 0, len(doc)-1)
		for _, f := range doc {
			if f.Key != "_id" {
				trimmed = append(trimmed, f)
			}
		}
		doc = trimmed
		break
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Wrap(err, "failed generating _id")
	}

	return append(bson.D{{Key: "_id", Value: id.String()}}, doc...), nil
}
