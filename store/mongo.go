package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gibbonhq/gibbons/log"
)

var logger = log.Default().Module("store")

// MongoDatabase resolves the three configured collections against a live
// *mongo.Database.
type MongoDatabase struct {
	groups      *mongoCollection
	permissions *mongoCollection
	users       *mongoCollection
}

// NewMongoDatabase wraps db, using the given collection names (spec section
// 6's dbStructure.{user,group,permission}.collectionName).
func NewMongoDatabase(db *mongo.Database, groupColl, permissionColl, userColl string) *MongoDatabase {
	return &MongoDatabase{
		groups:      &mongoCollection{c: db.Collection(groupColl)},
		permissions: &mongoCollection{c: db.Collection(permissionColl)},
		users:       &mongoCollection{c: db.Collection(userColl)},
	}
}

func (d *MongoDatabase) Groups() Collection      { return d.groups }
func (d *MongoDatabase) Permissions() Collection { return d.permissions }
func (d *MongoDatabase) Users() Collection       { return d.users }

type mongoCollection struct {
	c *mongo.Collection
}

func toBSON(f Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	out := make(bson.M, len(f))
	for k, v := range f {
		switch val := v.(type) {
		case inList:
			out[k] = bson.M{"$in": val.values}
		case bitsAnySet:
			out[k] = bson.M{"$bitsAnySet": val.mask}
		default:
			out[k] = v
		}
	}
	return out
}

func (m *mongoCollection) FindOne(ctx context.Context, filter Filter, v any) error {
	err := m.c.FindOne(ctx, toBSON(filter)).Decode(v)
	return wrapNoDocuments(err)
}

func (m *mongoCollection) Find(ctx context.Context, filter Filter, fn func(d Decoder) error) error {
	cur, err := m.c.Find(ctx, toBSON(filter))
	if err != nil {
		return errors.Wrap(err, "store: find")
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		if err := fn(cur); err != nil {
			return err
		}
	}
	return errors.Wrap(cur.Err(), "store: cursor")
}

func (m *mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update Filter, sort Filter, v any) error {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if sort != nil {
		opts = opts.SetSort(toBSON(sort))
	}
	err := m.c.FindOneAndUpdate(ctx, toBSON(filter), toBSON(update), opts).Decode(v)
	return wrapNoDocuments(err)
}

func (m *mongoCollection) FindOneAndReplace(ctx context.Context, filter, replacement Filter, v any) error {
	opts := options.FindOneAndReplace().SetReturnDocument(options.After)
	err := m.c.FindOneAndReplace(ctx, toBSON(filter), toBSON(replacement), opts).Decode(v)
	return wrapNoDocuments(err)
}

func (m *mongoCollection) UpdateMany(ctx context.Context, filter, update Filter) (int64, error) {
	res, err := m.c.UpdateMany(ctx, toBSON(filter), toBSON(update))
	if err != nil {
		return 0, errors.Wrap(err, "store: update many")
	}
	return res.MatchedCount, nil
}

func (m *mongoCollection) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	res, err := m.c.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, errors.Wrap(err, "store: delete many")
	}
	return res.DeletedCount, nil
}

func (m *mongoCollection) CountDocuments(ctx context.Context, filter Filter) (int64, error) {
	n, err := m.c.CountDocuments(ctx, toBSON(filter))
	if err != nil {
		return 0, errors.Wrap(err, "store: count")
	}
	return n, nil
}

func (m *mongoCollection) InsertMany(ctx context.Context, docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.c.InsertMany(ctx, docs)
	return errors.Wrap(err, "store: insert many")
}

func (m *mongoCollection) EnsureUniqueIndex(ctx context.Context, field string) error {
	_, err := m.c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrapf(err, "store: ensure unique index on %s", field)
}

func wrapNoDocuments(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNoDocuments
	}
	return errors.Wrap(err, "store: decode")
}

// MongoTxRunner runs composite operations inside a mongo session, retrying
// transient transaction errors via the driver's own
// mongo.Session.WithTransaction — the "transaction with automatic retry on
// transient errors" helper spec section 4.7 asks the facade to use.
type MongoTxRunner struct {
	Client *mongo.Client
}

func (r *MongoTxRunner) WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	sess, err := r.Client.StartSession()
	if err != nil {
		return nil, errors.Wrap(err, "store: start session")
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return fn(sessCtx)
	})
	if err != nil {
		logger.With("error", err).Warn("transaction aborted")
		return nil, errors.Wrap(err, "store: transaction")
	}
	return result, nil
}
