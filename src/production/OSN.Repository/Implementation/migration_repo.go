package implementation

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
)

const migrationCollection = "Migration"

type MongoMigrationRepository struct {
	coll *mongo.Collection
}

func NewMongoMigrationRepository(db *mongo.Database) *MongoMigrationRepository {
	return &MongoMigrationRepository{coll: db.Collection(migrationCollection)}
}

func (r *MongoMigrationRepository) EnsureMigration(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "migration_name", Value: name}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "migration_name", Value: name},
			{Key: "migration_complete", Value: false},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure migration record %s: %w", name, err)
	}
	return nil
}

func (r *MongoMigrationRepository) IsComplete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var m osnmodels.Migration
	err := r.coll.FindOne(ctx, bson.D{{Key: "migration_name", Value: name}}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read migration record %s: %w", name, err)
	}
	return m.MigrationComplete, nil
}

func (r *MongoMigrationRepository) MarkComplete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "migration_name", Value: name}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "migration_complete", Value: true}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to mark migration %s complete: %w", name, err)
	}
	return nil
}
