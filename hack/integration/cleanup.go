package integration

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// sellerCollections hold documents keyed by seller_id.
var sellerCollections = []string{
	"offers",
	"metric_snapshots",
	"behavioral_facts",
	"enforcement_actions",
	"status_transitions",
	"appeals",
}

// DatabaseCleaner removes the documents an integration run created.
type DatabaseCleaner struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewDatabaseCleaner(mongoURI, dbName string) (*DatabaseCleaner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &DatabaseCleaner{
		client: client,
		db:     client.Database(dbName),
	}, nil
}

func (d *DatabaseCleaner) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// CleanSellers removes every record of the given sellers.
func (d *DatabaseCleaner) CleanSellers(ctx context.Context, sellerIDs ...string) error {
	filter := bson.M{"seller_id": bson.M{"$in": sellerIDs}}
	for _, coll := range sellerCollections {
		if _, err := d.db.Collection(coll).DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("failed to clean collection %s: %w", coll, err)
		}
	}
	if _, err := d.db.Collection("seller_accounts").DeleteMany(ctx, bson.M{"_id": bson.M{"$in": sellerIDs}}); err != nil {
		return fmt.Errorf("failed to clean seller accounts: %w", err)
	}
	return nil
}

// CleanItems removes the winner records of the given items.
func (d *DatabaseCleaner) CleanItems(ctx context.Context, itemIDs ...string) error {
	_, err := d.db.Collection("winner_records").DeleteMany(ctx, bson.M{"_id": bson.M{"$in": itemIDs}})
	return err
}
