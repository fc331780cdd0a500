package store

import (
	"context"
	"errors"
)

// Query is a document query in the nested dotted-key notation.
// Supported operators: $or, $gt, $gte, $lt, $lte, $eq, $ne, $exists, $in,
// $elemMatch. Keys of the form "items.field" address fields of documents
// inside the child collection "items".
type Query = map[string]any

// Document is a stored document
type Document = map[string]any

var (
	// ErrNotFound is returned by FindOne when no document matches
	ErrNotFound = errors.New("store: document not found")
	// ErrAmbiguous is returned by FindOne when more than one document matches
	ErrAmbiguous = errors.New("store: query matched more than one document")
	// ErrDuplicate is returned when a unique index rejects an insert
	ErrDuplicate = errors.New("store: duplicate key")
)

// DocumentStore is the storage driver contract the engine persists through
type DocumentStore interface {
	Find(ctx context.Context, coll string, query Query) ([]Document, error)
	// FindOne returns ErrNotFound or ErrAmbiguous when the query does not
	// match exactly one document.
	FindOne(ctx context.Context, coll string, query Query) (Document, error)
	Insert(ctx context.Context, coll string, docs []Document) error
	// Update sets the fields of `update` on every matching document.
	// With upsert, a missing document is created from the query's equality
	// fields plus the update.
	Update(ctx context.Context, coll string, query Query, update Document, upsert bool) (int64, error)
	Remove(ctx context.Context, coll string, query Query) (int64, error)
	EnsureIndex(ctx context.Context, coll string, keys []string, unique bool) error
	Close(ctx context.Context) error
}

// FindOneIn applies the FindOne contract to a pre-fetched result set
func FindOneIn(docs []Document) (Document, error) {
	switch len(docs) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return docs[0], nil
	default:
		return nil, ErrAmbiguous
	}
}
