package mongowire

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitven/mongowire/command"
)

// ListDatabaseNames returns the names of all databases on the server.
func (c *Client) ListDatabaseNames(ctx context.Context, opts *Options) ([]string, error) {
	cmd := command.New("listDatabases", int32(1), adminDB)
	cmd.Append("nameOnly", true)
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return nil, err
	}

	var names []string
	if dbs, lookupErr := result.Document.LookupErr("databases"); lookupErr == nil {
		if arr, ok := dbs.ArrayOK(); ok {
			vals, _ := arr.Values()
			for _, v := range vals {
				if doc, ok := v.DocumentOK(); ok {
					if name, nameErr := doc.LookupErr("name"); nameErr == nil {
						if s, ok := name.StringValueOK(); ok {
							names = append(names, s)
						}
					}
				}
			}
		}
	}

	return names, nil
}

// DropDatabase drops the client's database.
func (c *Client) DropDatabase(ctx context.Context, opts *Options) (bool, error) {
	cmd := command.New("dropDatabase", int32(1), c.database)
	applyOptions(cmd, opts)

	_, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListCollectionNames returns the collection names of the client's
// database.
func (c *Client) ListCollectionNames(ctx context.Context, opts *Options) ([]string, error) {
	return c.listCollectionNames(ctx, nil, opts)
}

func (c *Client) listCollectionNames(ctx context.Context, filter bson.D, opts *Options) ([]string, error) {
	cmd := command.New("listCollections", int32(1), c.database)
	cmd.Append("nameOnly", true)
	if filter != nil {
		cmd.Append("filter", filter)
	}
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return nil, err
	}

	var names []string
	if result.Cursor != nil {
		for _, doc := range result.Cursor.FirstBatch {
			if name, lookupErr := doc.LookupErr("name"); lookupErr == nil {
				if s, ok := name.StringValueOK(); ok {
					names = append(names, s)
				}
			}
		}
	}

	return names, nil
}

// CreateCollection creates a collection explicitly, failing with
// AlreadyExistsError when it is present.
func (c *Client) CreateCollection(ctx context.Context, name string, opts *Options) (bool, error) {
	existing, err := c.listCollectionNames(ctx, bson.D{{Key: "name", Value: name}}, nil)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, &AlreadyExistsError{Database: c.database, Collection: name}
	}

	cmd := command.New("create", name, c.database)
	applyOptions(cmd, opts)

	if _, err := c.run(ctx, cmd, opts.session()); err != nil {
		return false, err
	}
	return true, nil
}

// DropCollection drops a collection.
func (c *Client) DropCollection(ctx context.Context, name string, opts *Options) (bool, error) {
	cmd := command.New("drop", name, c.database)
	applyOptions(cmd, opts)

	if _, err := c.run(ctx, cmd, opts.session()); err != nil {
		return false, err
	}
	return true, nil
}

// CreateIndexes builds the given indexes. A unique index without a
// partialFilterExpression is made sparse as well; unique indexes over
// documents missing the key would otherwise reject every second insert.
// Kept for compatibility with data written by older tooling.
func (c *Client) CreateIndexes(ctx context.Context, collection string, indexes []bson.D, opts *Options) error {
	prepared := make(bson.A, 0, len(indexes))
	for _, index := range indexes {
		prepared = append(prepared, applySparseQuirk(index))
	}

	cmd := command.New("createIndexes", collection, c.database)
	cmd.Append("indexes", prepared)
	applyOptions(cmd, opts)

	_, err := c.run(ctx, cmd, opts.session())
	return err
}

func applySparseQuirk(index bson.D) bson.D {
	var unique, hasPartial, hasSparse bool
	for _, e := range index {
		switch e.Key {
		case "unique":
			if b, ok := e.Value.(bool); ok {
				unique = b
			}
		case "partialFilterExpression":
			hasPartial = true
		case "sparse":
			hasSparse = true
		}
	}

	if unique && !hasPartial && !hasSparse {
		index = append(append(bson.D{}, index...), bson.E{Key: "sparse", Value: true})
	}
	return index
}

// ListIndexes returns the index specifications of a collection.
func (c *Client) ListIndexes(ctx context.Context, collection string, opts *Options) ([]bson.Raw, error) {
	cmd := command.New("listIndexes", collection, c.database)
	applyOptions(cmd, opts)

	result, err := c.run(ctx, cmd, opts.session())
	if err != nil {
		return nil, err
	}

	if result.Cursor == nil {
		return nil, nil
	}
	return result.Cursor.FirstBatch, nil
}

// DropIndexes drops the named index, or all indexes with "*".
func (c *Client) DropIndexes(ctx context.Context, collection, index string, opts *Options) (bool, error) {
	cmd := command.New("dropIndexes", collection, c.database)
	cmd.Append("index", index)
	applyOptions(cmd, opts)

	if _, err := c.run(ctx, cmd, opts.session()); err != nil {
		return false, err
	}
	return true, nil
}
