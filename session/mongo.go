package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
)

// Default MongoDB namespace.
const (
	DefaultMongoDatabase   = "nutriscan"
	DefaultMongoCollection = "training_sessions"
)

const mongoConnectTimeout = 5 * time.Second

// MongoStore keeps records in a MongoDB collection, one document per record keyed by id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to uri and verifies the server is reachable.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to MongoDB")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "could not reach MongoDB"), client.Disconnect(ctx))
	}
	coll := client.Database(database).Collection(collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: 1}}}); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "could not create session index"), client.Disconnect(ctx))
	}
	return &MongoStore{client: client, coll: coll, now: time.Now}, nil
}

// Insert stores rec under a fresh id.
func (s *MongoStore) Insert(ctx context.Context, rec Record) (Record, error) {
	rec.ID = uuid.NewString()
	now := normalizeTime(s.now())
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.Revision = 1
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rec = rec.normalized()
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return Record{}, errors.Wrap(err, "could not insert session")
	}
	return rec, nil
}

// Get returns the record with id.
func (s *MongoStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, errors.Wrapf(ErrNotFound, "no session %q", id)
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "could not get session %s", id)
	}
	rec.CreatedAt, rec.UpdatedAt = rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()
	return rec, nil
}

// List returns every record, oldest first.
func (s *MongoStore) List(ctx context.Context) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "could not list sessions")
	}
	out := []Record{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "could not decode sessions")
	}
	for i := range out {
		out[i].CreatedAt, out[i].UpdatedAt = out[i].CreatedAt.UTC(), out[i].UpdatedAt.UTC()
	}
	return out, nil
}

// Update replaces the stored record when its revision matches rec.Revision.
func (s *MongoStore) Update(ctx context.Context, rec Record) (Record, error) {
	stored, err := s.Get(ctx, rec.ID)
	if err != nil {
		return Record{}, err
	}
	expected := rec.Revision
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = normalizeTime(s.now())
	rec.Revision = expected + 1
	rec = rec.normalized()

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID, "revision": expected}, rec)
	if err != nil {
		return Record{}, errors.Wrapf(err, "could not update session %s", rec.ID)
	}
	if res.MatchedCount == 0 {
		return Record{}, errors.Wrapf(ErrConflict, "session %s is no longer at revision %d", rec.ID, expected)
	}
	return rec, nil
}

// Delete removes the record with id.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "could not delete session %s", id)
	}
	if res.DeletedCount == 0 {
		return errors.Wrapf(ErrNotFound, "no session %q", id)
	}
	return nil
}

// Close disconnects from the server.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
