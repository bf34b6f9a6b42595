package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ciphernotes/pkg/domain"
)

// Mongo stores pastes in one collection. A TTL index on expires_at lets the
// server purge expired documents on its own; lazy checks still apply since
// the TTL monitor runs only about once a minute.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

func NewMongo(ctx context.Context, uri, dbName string, timeout time.Duration) (*Mongo, error) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}
	if err := client.Ping(connCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}
	m := &Mongo{
		client:     client,
		collection: client.Database(dbName).Collection("pastes"),
		timeout:    timeout,
	}
	if err := m.createIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "create indexes")
	}
	return m, nil
}

func (m *Mongo) createIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	})
	return err
}

func (m *Mongo) Insert(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.collection.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrDuplicateID
	}
	return errors.Wrap(err, "mongodb insert")
}

func (m *Mongo) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var p domain.Paste
	err := m.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongodb get")
	}
	normalizeTimes(&p)
	return &p, nil
}

func (m *Mongo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	n, err := m.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, "mongodb exists")
	}
	return n > 0, nil
}

func (m *Mongo) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"content": content, "updated_at": at}},
	)
	if err != nil {
		return errors.Wrap(err, "mongodb update")
	}
	if res.MatchedCount == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, errors.Wrap(err, "mongodb delete")
	}
	return res.DeletedCount > 0, nil
}

func (m *Mongo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := m.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": before}})
	if err != nil {
		return 0, errors.Wrap(err, "mongodb delete expired")
	}
	return int(res.DeletedCount), nil
}

func (m *Mongo) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	n, err := m.collection.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$exists": false}},
		bson.M{"expires_at": bson.M{"$gt": time.Now()}},
	}})
	if err != nil {
		return 0, errors.Wrap(err, "mongodb count")
	}
	return int(n), nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
