package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lyzr/procflow/common/logger"
)

// MongoStore is the production DocumentStore backend. Queries produced by
// the translator are already in the driver's shape ($elemMatch and friends),
// so they pass through unchanged.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logger.Logger
}

// NewMongoStore connects to MongoDB and pings it
func NewMongoStore(ctx context.Context, uri, database string, log *logger.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	log.Info("mongo connected", "database", database)
	return &MongoStore{
		client: client,
		db:     client.Database(database),
		log:    log,
	}, nil
}

func (s *MongoStore) Find(ctx context.Context, coll string, query Query) ([]Document, error) {
	cur, err := s.db.Collection(coll).Find(ctx, toFilter(query))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll, err)
	}
	docs := make([]Document, len(raw))
	for i, m := range raw {
		delete(m, "_id")
		docs[i] = Document(m)
	}
	return docs, nil
}

func (s *MongoStore) FindOne(ctx context.Context, coll string, query Query) (Document, error) {
	docs, err := s.Find(ctx, coll, query)
	if err != nil {
		return nil, err
	}
	return FindOneIn(docs)
}

func (s *MongoStore) Insert(ctx context.Context, coll string, docs []Document) error {
	payload := make([]any, len(docs))
	for i, doc := range docs {
		payload[i] = doc
	}
	if _, err := s.db.Collection(coll).InsertMany(ctx, payload); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert %s: %w", coll, err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, coll string, query Query, update Document, upsert bool) (int64, error) {
	res, err := s.db.Collection(coll).UpdateMany(
		ctx,
		toFilter(query),
		bson.M{"$set": bson.M(update)},
		options.UpdateMany().SetUpsert(upsert),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("update %s: %w", coll, err)
	}
	return res.ModifiedCount + res.UpsertedCount, nil
}

func (s *MongoStore) Remove(ctx context.Context, coll string, query Query) (int64, error) {
	res, err := s.db.Collection(coll).DeleteMany(ctx, toFilter(query))
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", coll, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) EnsureIndex(ctx context.Context, coll string, keys []string, unique bool) error {
	spec := bson.D{}
	for _, key := range keys {
		spec = append(spec, bson.E{Key: key, Value: 1})
	}
	_, err := s.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    spec,
		Options: options.Index().SetUnique(unique),
	})
	if err != nil {
		return fmt.Errorf("create index on %s: %w", coll, err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toFilter(query Query) bson.M {
	if query == nil {
		return bson.M{}
	}
	return bson.M(query)
}
