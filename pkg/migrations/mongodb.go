package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureChainCollection creates the indexes the MongoDB chain repository queries by.
func EnsureChainCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_rule_chains_tenant_id"),
		},
		{
			Keys: bson.D{{Key: "tenantId", Value: 1}},
			Options: options.Index().
				SetName("idx_rule_chains_tenant_root").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "root", Value: true}}),
		},
		{
			Keys:    bson.D{{Key: "updatedAt", Value: -1}},
			Options: options.Index().SetName("idx_rule_chains_updated_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
