// Package command assembles command documents, applies the session and
// transaction field injection rules, and interprets server responses.
package command

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Command is an ordered command document under construction. The first key
// is always the command verb; servers dispatch on its position.
type Command struct {
	DB string

	verb string
	doc  bson.D
}

// New starts a command document with the verb as the first key.
func New(verb string, value interface{}, db string) *Command {
	return &Command{
		DB:   db,
		verb: verb,
		doc:  bson.D{{Key: verb, Value: value}},
	}
}

// Verb returns the command's name.
func (c *Command) Verb() string {
	return c.verb
}

// Append adds a field at the end of the document.
func (c *Command) Append(key string, value interface{}) *Command {
	c.doc = append(c.doc, bson.E{Key: key, Value: value})
	return c
}

// AppendOptions appends user options verbatim, preserving their order.
func (c *Command) AppendOptions(opts bson.D) *Command {
	c.doc = append(c.doc, opts...)
	return c
}

// Set replaces the value of key in place, or appends it.
func (c *Command) Set(key string, value interface{}) *Command {
	for i := range c.doc {
		if c.doc[i].Key == key {
			c.doc[i].Value = value
			return c
		}
	}
	return c.Append(key, value)
}

// Delete removes every occurrence of key.
func (c *Command) Delete(key string) {
	kept := c.doc[:0]
	for _, e := range c.doc {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	c.doc = kept
}

// Lookup returns the value of key.
func (c *Command) Lookup(key string) (interface{}, bool) {
	for _, e := range c.doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present.
func (c *Command) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Document returns the ordered document as built so far.
func (c *Command) Document() bson.D {
	return c.doc
}

// Marshal encodes the command, appending $db last as OP_MSG requires.
func (c *Command) Marshal() (bson.Raw, error) {
	doc := c.doc
	if !c.Has("$db") && c.DB != "" {
		doc = append(append(bson.D{}, doc...), bson.E{Key: "$db", Value: c.DB})
	}

	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return bson.Raw(b), nil
}
