package reports

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sonic-sentinel/models"
)

const reportsCollection = "reports"

// MongoSink inserts reports into the "reports" collection.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoSink(ctx context.Context, uri, database string) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &SubmissionError{Kind: Network, Err: fmt.Errorf("connecting to mongo: %w", err)}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &SubmissionError{Kind: Network, Err: fmt.Errorf("pinging mongo: %w", err)}
	}

	return &MongoSink{
		client:     client,
		collection: client.Database(database).Collection(reportsCollection),
	}, nil
}

func (m *MongoSink) Submit(ctx context.Context, report models.Report, _ string) error {
	if _, err := m.collection.InsertOne(ctx, report); err != nil {
		return &SubmissionError{Kind: Network, Err: err}
	}
	return nil
}

func (m *MongoSink) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
