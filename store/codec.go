package store

import (
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// toMemDoc and decodeMapToStruct round-trip through bson.Marshal/Unmarshal
// rather than encoding/json, so the in-memory fake honors the same `bson:"…"`
// struct tags (and binary-subtype encoding of []byte mask fields) that the
// real MongoDatabase does — a document built by MemoryDatabase decodes
// identically to one built by MongoDatabase.
func toMemDoc(v any) (memDoc, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "store: encode document")
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "store: decode document")
	}
	return memDoc(m), nil
}

func decodeMapToStruct(d memDoc, v any) error {
	raw, err := bson.Marshal(bson.M(d))
	if err != nil {
		return errors.Wrap(err, "store: encode map")
	}
	return errors.Wrap(bson.Unmarshal(raw, v), "store: decode into struct")
}
