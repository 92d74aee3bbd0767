package ledger

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoDoc is the single document shape for both blob values and counters.
// Blobs set V, counters set N; the two never share a key by convention.
type mongoDoc struct {
	ID        string     `bson:"_id"`
	V         []byte     `bson:"v,omitempty"`
	N         int64      `bson:"n,omitempty"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// Mongo implements Ledger on a MongoDB collection. Counters use $inc through
// FindOneAndUpdate and conditional writes use filtered updates, both of which
// MongoDB executes atomically per document.
type Mongo struct {
	coll *mongo.Collection
}

// NewMongo wraps a collection and ensures the TTL index used for bounded
// claim retention. The caller owns the client lifecycle (see pkg/mongo).
func NewMongo(ctx context.Context, coll *mongo.Collection) (*Mongo, error) {
	if coll == nil {
		panic("ledger: mongo collection is required")
	}

	// TTL index expires claim documents once expires_at passes. Documents
	// without the field are never expired.
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	return &Mongo{coll: coll}, nil
}

func (m *Mongo) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key, "v": bson.M{"$exists": true}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return doc.V, nil
}

func (m *Mongo) Put(ctx context.Context, key string, value []byte) error {
	_, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		mongoDoc{ID: key, V: value},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (m *Mongo) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	if old == nil {
		_, err := m.coll.InsertOne(ctx, mongoDoc{ID: key, V: new})
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		if err != nil {
			return errors.Join(ErrUnavailable, err)
		}
		return nil
	}

	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": key, "v": old},
		bson.M{"$set": bson.M{"v": new}},
	)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, key string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (m *Mongo) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var doc mongoDoc
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$inc": bson.M{"n": delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return doc.N, nil
}

func (m *Mongo) IncrementIfBelow(ctx context.Context, key string, delta, limit int64) (int64, error) {
	if delta > limit {
		current, err := m.GetCounter(ctx, key)
		if err != nil {
			return 0, err
		}
		return current, ErrGuardFailed
	}

	// The filtered update only matches while the debit still fits, so the
	// check and the increment are one atomic document operation. The insert
	// path covers the first debit; a duplicate-key error means a concurrent
	// writer created the counter, so the filtered update is retried.
	for range casRetries {
		var doc mongoDoc
		err := m.coll.FindOneAndUpdate(ctx,
			bson.M{"_id": key, "n": bson.M{"$lte": limit - delta}},
			bson.M{"$inc": bson.M{"n": delta}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err == nil {
			return doc.N, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return 0, errors.Join(ErrUnavailable, err)
		}

		// No match: either the counter does not exist yet or the guard failed.
		_, insErr := m.coll.InsertOne(ctx, mongoDoc{ID: key, N: delta})
		if insErr == nil {
			return delta, nil
		}
		if !mongo.IsDuplicateKeyError(insErr) {
			return 0, errors.Join(ErrUnavailable, insErr)
		}

		current, cerr := m.GetCounter(ctx, key)
		if cerr != nil {
			return 0, cerr
		}
		if current+delta > limit {
			return current, ErrGuardFailed
		}
	}
	return 0, ErrConflict
}

func (m *Mongo) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	doc := mongoDoc{ID: key, V: value}
	if ttl > 0 {
		expires := time.Now().UTC().Add(ttl)
		doc.ExpiresAt = &expires
	}

	_, err := m.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(ErrUnavailable, err)
	}
	return true, nil
}

func (m *Mongo) GetCounter(ctx context.Context, key string) (int64, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return doc.N, nil
}

func (m *Mongo) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	cursor, err := m.coll.Find(ctx, bson.M{
		"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)},
		"v":   bson.M{"$exists": true},
	})
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	defer cursor.Close(ctx)

	out := make(map[string][]byte)
	for cursor.Next(ctx) {
		var doc mongoDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Join(ErrUnavailable, err)
		}
		out[doc.ID] = doc.V
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return out, nil
}
