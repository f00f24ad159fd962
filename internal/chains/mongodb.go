package chains

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/migrations"
	"ruleengine/pkg/models"
)

type chainDocument struct {
	ID          string               `bson:"_id"`
	TenantID    string               `bson:"tenantId"`
	Name        string               `bson:"name"`
	Root        bool                 `bson:"root"`
	Version     int64                `bson:"version"`
	EntryNodeID string               `bson:"entryNodeId"`
	Nodes       []nodeDocument       `bson:"nodes"`
	Connections []connectionDocument `bson:"connections"`
	CreatedAt   time.Time            `bson:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt"`
}

type nodeDocument struct {
	ID            string   `bson:"id"`
	Type          string   `bson:"type"`
	Name          string   `bson:"name,omitempty"`
	ConfigVersion int      `bson:"configVersion,omitempty"`
	Configuration bson.D   `bson:"configuration,omitempty"`
	Relations     []string `bson:"relations,omitempty"`
}

type connectionDocument struct {
	From     string `bson:"from"`
	Relation string `bson:"relation"`
	To       string `bson:"to"`
}

// MongoRepository stores each chain as one document. Node configurations are
// kept as native sub-documents so they stay queryable.
type MongoRepository struct {
	collection *mongo.Collection
}

var _ Repository = (*MongoRepository)(nil)

func NewMongoRepository(ctx context.Context, db *mongo.Database, collection string) (*MongoRepository, error) {
	if err := migrations.EnsureChainCollection(ctx, db, collection); err != nil {
		return nil, err
	}
	return &MongoRepository{collection: db.Collection(collection)}, nil
}

func (r *MongoRepository) LoadChain(ctx context.Context, tenantID, chainID uuid.UUID) (graph *models.ChainGraph, err error) {
	defer observe("mongodb", "load_chain", time.Now(), &err)

	var doc chainDocument
	err = r.collection.FindOne(ctx, bson.M{"_id": chainID.String(), "tenantId": tenantID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, chainNotFound(tenantID, chainID)
	}
	if err != nil {
		return nil, mongoError("load rule chain", err)
	}
	return doc.graph()
}

func (r *MongoRepository) RootChain(ctx context.Context, tenantID uuid.UUID) (graph *models.ChainGraph, err error) {
	defer observe("mongodb", "root_chain", time.Now(), &err)

	var doc chainDocument
	err = r.collection.FindOne(ctx, bson.M{"tenantId": tenantID.String(), "root": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, rootNotFound(tenantID)
	}
	if err != nil {
		return nil, mongoError("load root rule chain", err)
	}
	return doc.graph()
}

func (r *MongoRepository) ListChains(ctx context.Context, tenantID uuid.UUID) (out []*models.ChainGraph, err error) {
	defer observe("mongodb", "list_chains", time.Now(), &err)

	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"tenantId": tenantID.String()}, opts)
	if err != nil {
		return nil, mongoError("list rule chains", err)
	}
	defer cursor.Close(ctx)

	var docs []chainDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoError("decode rule chains", err)
	}

	out = make([]*models.ChainGraph, 0, len(docs))
	for _, doc := range docs {
		graph, err := doc.graph()
		if err != nil {
			return nil, err
		}
		out = append(out, graph)
	}
	return out, nil
}

func (r *MongoRepository) SaveChain(ctx context.Context, graph *models.ChainGraph) (err error) {
	defer observe("mongodb", "save_chain", time.Now(), &err)

	if err := checkIdentity(graph); err != nil {
		return err
	}
	doc, err := newChainDocument(graph)
	if err != nil {
		return err
	}

	if graph.Root {
		_, err := r.collection.UpdateMany(ctx,
			bson.M{"tenantId": doc.TenantID, "root": true, "_id": bson.M{"$ne": doc.ID}},
			bson.M{"$set": bson.M{"root": false, "updatedAt": time.Now().UTC()}},
		)
		if err != nil {
			return mongoError("save rule chain", err)
		}
	}

	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"name":        doc.Name,
			"root":        doc.Root,
			"entryNodeId": doc.EntryNodeID,
			"nodes":       doc.Nodes,
			"connections": doc.Connections,
			"updatedAt":   now,
		},
		"$setOnInsert": bson.M{"createdAt": now},
		"$inc":         bson.M{"version": int64(1)},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var saved chainDocument
	err = r.collection.FindOneAndUpdate(ctx, bson.M{"_id": doc.ID, "tenantId": doc.TenantID}, update, opts).Decode(&saved)
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("rule chain %s belongs to another tenant", graph.ChainID)).WithCause(err)
	}
	if err != nil {
		return mongoError("save rule chain", err)
	}
	graph.Version = saved.Version
	return nil
}

func (r *MongoRepository) DeleteChain(ctx context.Context, tenantID, chainID uuid.UUID) (err error) {
	defer observe("mongodb", "delete_chain", time.Now(), &err)

	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": chainID.String(), "tenantId": tenantID.String()})
	if err != nil {
		return mongoError("delete rule chain", err)
	}
	if result.DeletedCount == 0 {
		return chainNotFound(tenantID, chainID)
	}
	return nil
}

func newChainDocument(g *models.ChainGraph) (*chainDocument, error) {
	doc := &chainDocument{
		ID:          g.ChainID.String(),
		TenantID:    g.TenantID.String(),
		Name:        g.Name,
		Root:        g.Root,
		EntryNodeID: g.EntryNodeID,
		Nodes:       make([]nodeDocument, len(g.Nodes)),
		Connections: make([]connectionDocument, len(g.Connections)),
	}
	for i, n := range g.Nodes {
		nd := nodeDocument{
			ID:            n.ID,
			Type:          n.Type,
			Name:          n.Name,
			ConfigVersion: n.ConfigVersion,
			Relations:     n.Relations,
		}
		if len(n.Configuration) > 0 && string(n.Configuration) != "null" {
			if err := bson.UnmarshalExtJSON(n.Configuration, false, &nd.Configuration); err != nil {
				return nil, apperrors.ErrValidation.
					WithMessage(fmt.Sprintf("configuration of node %s must be a JSON object", n.ID)).
					WithCause(err)
			}
		}
		doc.Nodes[i] = nd
	}
	for i, c := range g.Connections {
		doc.Connections[i] = connectionDocument{From: c.From, Relation: c.Relation, To: c.To}
	}
	return doc, nil
}

func (d *chainDocument) graph() (*models.ChainGraph, error) {
	chainID, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, apperrors.ErrConfiguration.WithMessage(fmt.Sprintf("invalid rule chain id %q", d.ID)).WithCause(err)
	}
	tenantID, err := uuid.Parse(d.TenantID)
	if err != nil {
		return nil, invalidDefinition(chainID, err)
	}

	g := &models.ChainGraph{
		ChainID:     chainID,
		TenantID:    tenantID,
		Name:        d.Name,
		Root:        d.Root,
		Version:     d.Version,
		EntryNodeID: d.EntryNodeID,
		Nodes:       make([]models.NodeDefinition, len(d.Nodes)),
		Connections: make([]models.Connection, len(d.Connections)),
	}
	for i, n := range d.Nodes {
		def := models.NodeDefinition{
			ID:            n.ID,
			Type:          n.Type,
			Name:          n.Name,
			ConfigVersion: n.ConfigVersion,
			Relations:     n.Relations,
		}
		if n.Configuration != nil {
			raw, err := bson.MarshalExtJSON(n.Configuration, false, false)
			if err != nil {
				return nil, invalidDefinition(chainID, err)
			}
			def.Configuration = raw
		}
		g.Nodes[i] = def
	}
	for i, c := range d.Connections {
		g.Connections[i] = models.Connection{From: c.From, Relation: c.Relation, To: c.To}
	}
	return g, nil
}

func mongoError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrTimeout.WithMessage(op + " timed out").WithCause(err)
	}
	return apperrors.ErrTransient.WithMessage(op + " failed").WithCause(err)
}
