package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// ConnectMongo dials uri, verifies the connection with a ping and ensures the
// indexes the request store queries by.
func ConnectMongo(ctx context.Context, uri, dbName string, log *zap.Logger) (*mongo.Client, *mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(20 * time.Second).
		SetServerSelectionTimeout(15 * time.Second).
		SetSocketTimeout(20 * time.Second).
		SetMaxPoolSize(50)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		log.Warn("failed to ensure mongo indexes", zap.Error(err))
	}
	log.Info("connected to MongoDB", zap.String("database", dbName))
	return client, db, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("requests").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "deadline", Value: 1}}},
		{Keys: bson.D{{Key: "targets.states", Value: 1}}},
		{Keys: bson.D{{Key: "current_assignee_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("submissions").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "state", Value: 1}, {Key: "branch", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("submissions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "template_id", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("templates").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "division", Value: 1}, {Key: "state", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "usage.user_id", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("principals").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "roles.role", Value: 1}, {Key: "roles.state", Value: 1}, {Key: "roles.division", Value: 1}}},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetCollation(&options.Collation{Locale: "en", Strength: 2}),
		},
	})
	return err
}
