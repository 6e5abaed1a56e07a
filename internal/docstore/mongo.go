package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo maps each collection to a MongoDB collection with the document ID
// as _id. Decoded documents round-trip through JSON so numeric types come
// back exactly as they do from the other backends.
type Mongo struct {
	db *mongo.Database
}

// NewMongo wraps a connected database handle.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{db: db}
}

func (m *Mongo) Get(ctx context.Context, collection, id string) (Doc, error) {
	var raw bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Doc{}, ErrNotFound
		}
		return Doc{}, err
	}
	fields, err := fieldsFromRaw(raw)
	if err != nil {
		return Doc{}, err
	}
	return Doc{ID: id, Fields: fields}, nil
}

func (m *Mongo) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	set, remove := splitDeletes(fields)
	if !merge {
		opts := options.Replace().SetUpsert(true)
		_, err := m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, bson.M(set), opts)
		return err
	}
	update := mergeUpdate(set, remove)
	if update == nil {
		// Nothing to change, but the document must exist afterwards.
		update = bson.M{"$setOnInsert": bson.M{"_id": id}}
	}
	opts := options.Update().SetUpsert(true)
	_, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, update, opts)
	return err
}

func (m *Mongo) Create(ctx context.Context, collection, id string, fields Fields) error {
	set, _ := splitDeletes(fields)
	doc := bson.M{"_id": id}
	for k, v := range set {
		doc[k] = v
	}
	_, err := m.db.Collection(collection).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrExists
	}
	return err
}

func (m *Mongo) Update(ctx context.Context, collection, id string, fields Fields) error {
	set, remove := splitDeletes(fields)
	update := mergeUpdate(set, remove)
	if update == nil {
		_, err := m.Get(ctx, collection, id)
		return err
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (m *Mongo) Query(ctx context.Context, collection string, filters ...Filter) ([]Doc, error) {
	filter, err := mongoFilter(filters)
	if err != nil {
		return nil, err
	}
	cur, err := m.db.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Doc
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, _ := raw["_id"].(string)
		fields, err := fieldsFromRaw(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Doc{ID: id, Fields: fields})
	}
	return out, cur.Err()
}

// BatchCommit runs the writes in a multi-document transaction, which
// needs the server to run as a replica set.
func (m *Mongo) BatchCommit(ctx context.Context, writes []Write) error {
	sess, err := m.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for _, w := range writes {
			var err error
			switch w.Kind {
			case WriteSet:
				err = m.Set(sc, w.Collection, w.ID, w.Fields, w.Merge)
			case WriteCreate:
				err = m.Create(sc, w.Collection, w.ID, w.Fields)
			case WriteUpdate:
				err = m.Update(sc, w.Collection, w.ID, w.Fields)
			case WriteDelete:
				err = m.Delete(sc, w.Collection, w.ID)
			default:
				err = fmt.Errorf("docstore: unknown write kind %d", w.Kind)
			}
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// EnsureIndexes creates single-field ascending indexes for the given
// collections. Existing indexes are left alone.
func (m *Mongo) EnsureIndexes(ctx context.Context, fieldsByCollection map[string][]string) error {
	for coll, fields := range fieldsByCollection {
		if len(fields) == 0 {
			continue
		}
		models := make([]mongo.IndexModel, 0, len(fields))
		for _, f := range fields {
			models = append(models, mongo.IndexModel{Keys: bson.D{{Key: f, Value: 1}}})
		}
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("docstore: index %s: %w", coll, err)
		}
	}
	return nil
}

func mergeUpdate(set Fields, remove []string) bson.M {
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = bson.M(set)
	}
	if len(remove) > 0 {
		unset := bson.M{}
		for _, k := range remove {
			unset[k] = ""
		}
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return nil
	}
	return update
}

func mongoFilter(filters []Filter) (bson.M, error) {
	out := bson.M{}
	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			out[f.Field] = f.Value
		case OpLess, OpGreater:
			op := "$lt"
			if f.Op == OpGreater {
				op = "$gt"
			}
			ops, ok := out[f.Field].(bson.M)
			if !ok {
				ops = bson.M{}
				out[f.Field] = ops
			}
			ops[op] = f.Value
		default:
			return nil, fmt.Errorf("docstore: unknown filter op %q", f.Op)
		}
	}
	return out, nil
}

// fieldsFromRaw strips _id and normalizes BSON types (primitive.M,
// primitive.A, int32, int64) through a JSON round trip.
func fieldsFromRaw(raw bson.M) (Fields, error) {
	delete(raw, "_id")
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode mongo document: %w", err)
	}
	return decodeBody(body)
}
