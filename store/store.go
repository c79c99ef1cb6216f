// Package store narrows the document-store contract spec section 1/6
// requires — transactions, sessions, multi-document atomic writes,
// bitwise-any-set queries, and sorted find-and-update — down to the thin
// slice of operations package slot/group/permission/user/gibbon actually
// call. Two implementations exist: MongoDatabase (backed by
// go.mongodb.org/mongo-driver, see mongo.go) and MemoryDatabase (an
// in-process fake for tests, see memory.go, grounded on the teacher pack's
// mutex-guarded-map store pattern).
package store

import "context"

// Filter is a document filter/update/replacement payload. Concrete
// implementations interpret it as bson.M.
type Filter = map[string]any

// Collection is the subset of a MongoDB collection the engine needs.
type Collection interface {
	// FindOne decodes the first document matching filter into v. Returns
	// ErrNoDocuments (see mongo.go) if none match.
	FindOne(ctx context.Context, filter Filter, v any) error

	// Find streams every document matching filter into the callback fn, in
	// unspecified order, stopping and returning fn's error if it returns
	// one. The callback decodes its own cursor.Document via the supplied
	// Decoder.
	Find(ctx context.Context, filter Filter, fn func(d Decoder) error) error

	// FindOneAndUpdate atomically applies update to the first document
	// matching filter, ordered by sort, and decodes the post-image into v.
	// sort may be nil. Used by the slot allocator's atomic claim.
	FindOneAndUpdate(ctx context.Context, filter, update Filter, sort Filter, v any) error

	// FindOneAndReplace atomically swaps the first document matching filter
	// for replacement and decodes the post-image into v.
	FindOneAndReplace(ctx context.Context, filter, replacement Filter, v any) error

	// UpdateMany applies update to every document matching filter and
	// returns the number of matched documents.
	UpdateMany(ctx context.Context, filter, update Filter) (int64, error)

	// DeleteMany deletes every document matching filter and returns the
	// count deleted.
	DeleteMany(ctx context.Context, filter Filter) (int64, error)

	// CountDocuments counts documents matching filter.
	CountDocuments(ctx context.Context, filter Filter) (int64, error)

	// InsertMany bulk-inserts docs.
	InsertMany(ctx context.Context, docs []any) error

	// EnsureUniqueIndex creates a unique ascending index on field if it
	// does not already exist.
	EnsureUniqueIndex(ctx context.Context, field string) error
}

// Decoder decodes one streamed document into v, as in *mongo.Cursor.
type Decoder interface {
	Decode(v any) error
}

// Database resolves the three configured collections.
type Database interface {
	Groups() Collection
	Permissions() Collection
	Users() Collection
}

// TxRunner runs fn inside one atomic, retriable transaction that it starts
// and commits/aborts around fn itself; it does not join a session already
// carried by ctx (the gibbon facade's executeInSession avoids calling it a
// second time for a nested composite operation). The context passed to fn is
// session-bound: reads issued through it observe the transaction's own
// prior writes (read-your-writes), which is what lets the consistency
// engine's session-aware resolver see step N-1's writes during step N.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)
}

// ErrNoDocuments is returned by FindOne/FindOneAndUpdate/FindOneAndReplace
// when no document matches the filter.
var ErrNoDocuments = errNoDocuments{}

type errNoDocuments struct{}

func (errNoDocuments) Error() string { return "store: no documents in result" }
