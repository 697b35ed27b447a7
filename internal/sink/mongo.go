package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// inserter is the part of *mongo.Collection the sink uses
type inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoSink stores samples as {time, device, name, temp, rh} documents.
// temp and rh are strings with one and zero decimals.
type MongoSink struct {
	client  *mongo.Client
	coll    inserter
	timeout time.Duration
	logger  *logrus.Logger
}

// NewMongoSink connects to uri and verifies the server is reachable
func NewMongoSink(ctx context.Context, uri, database, collection string, logger *logrus.Logger) (*MongoSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo sink: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo sink: ping: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"database":   database,
		"collection": collection,
	}).Info("Connected to MongoDB")

	return &MongoSink{
		client:  client,
		coll:    client.Database(database).Collection(collection),
		timeout: 3 * time.Second,
		logger:  logger,
	}, nil
}

func (m *MongoSink) Name() string { return "mongo" }

// Document renders the stored form of a sample
func (m *MongoSink) Document(s Sample) bson.M {
	doc := bson.M{
		"time":   s.Time,
		"device": s.DeviceID,
		"temp":   fmt.Sprintf("%.1f", s.Temperature),
	}
	if s.Name != "" {
		doc["name"] = s.Name
	}
	if s.Humidity != nil {
		doc["rh"] = fmt.Sprintf("%.0f", *s.Humidity)
	}
	return doc
}

func (m *MongoSink) Send(ctx context.Context, s Sample) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.coll.InsertOne(ctx, m.Document(s)); err != nil {
		return fmt.Errorf("mongo sink: insert: %w", err)
	}
	return nil
}

func (m *MongoSink) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
