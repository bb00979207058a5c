package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoRecord is the document layout. Data is kept as a JSON string so
// payloads round-trip byte for byte.
type mongoRecord struct {
	Key       string            `bson:"_id"`
	Kind      string            `bson:"kind"`
	ID        string            `bson:"rid"`
	Data      string            `bson:"data"`
	Labels    map[string]string `bson:"labels,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

// MongoStore is a MongoDB implementation of RecordStore.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoStore connects to MongoDB and creates a store
func NewMongoStore(ctx context.Context, config StoreConfig) (*MongoStore, error) {
	cfg := config.Mongo
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(pingCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &MongoStore{client: client, collection: coll, timeout: cfg.Timeout}, nil
}

func mongoKey(kind, id string) string {
	return kind + "/" + id
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks if the store is healthy
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Put upserts a record
func (s *MongoStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	prev, err := s.Get(ctx, rec.Kind, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	stamp(rec, prev)

	doc := mongoRecord{
		Key:       mongoKey(rec.Kind, rec.ID),
		Kind:      rec.Kind,
		ID:        rec.ID,
		Data:      string(rec.Data),
		Labels:    rec.Labels,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Get retrieves a record
func (s *MongoStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	var doc mongoRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": mongoKey(kind, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.record(), nil
}

func (d *mongoRecord) record() *Record {
	rec := &Record{
		Kind:      d.Kind,
		ID:        d.ID,
		Labels:    d.Labels,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.Data != "" {
		rec.Data = []byte(d.Data)
	}
	return rec
}

// Find retrieves records of a kind matching the filter
func (s *MongoStore) Find(ctx context.Context, kind string, filter Filter) ([]*Record, error) {
	query := bson.D{{Key: "kind", Value: kind}}
	for k, v := range filter.Labels {
		query = append(query, bson.E{Key: "labels." + k, Value: v})
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "rid", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].record())
	}
	return finalize(out, filter.Limit), nil
}

// Delete removes a record
func (s *MongoStore) Delete(ctx context.Context, kind, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": mongoKey(kind, id)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
