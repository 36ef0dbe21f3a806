package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"device-farm/internal/shared/model"
)

// ============================================================================
// NodeStore
// ============================================================================

func (s *Store) UpsertNode(ctx context.Context, node *model.Node) error {
	filter := bson.D{{Key: "_id", Value: node.ID}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "host", Value: node.Host},
			{Key: "port", Value: node.Port},
			{Key: "status", Value: node.Status},
			{Key: "device_count", Value: node.DeviceCount},
			{Key: "last_reported_at", Value: node.LastReportedAt},
			{Key: "updated_at", Value: time.Now()},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "created_at", Value: node.CreatedAt},
		}},
	}
	opts := options.UpdateOne().SetUpsert(true)
	_, err := s.col(ColNodes).UpdateOne(ctx, filter, update, opts)
	return wrapError(err)
}

func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	err := s.col(ColNodes).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}
	return &n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*model.Node, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.col(ColNodes).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cur.Close(ctx)

	var nodes []*model.Node
	if err := cur.All(ctx, &nodes); err != nil {
		return nil, wrapError(err)
	}
	return nodes, nil
}

func (s *Store) ListStaleNodes(ctx context.Context, threshold time.Duration) ([]*model.Node, error) {
	cutoff := time.Now().Add(-threshold)
	filter := bson.D{
		{Key: "status", Value: model.NodeStatusOnline},
		{Key: "last_reported_at", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.col(ColNodes).Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cur.Close(ctx)

	var nodes []*model.Node
	if err := cur.All(ctx, &nodes); err != nil {
		return nil, wrapError(err)
	}
	return nodes, nil
}

func (s *Store) SetNodeStatus(ctx context.Context, id string, status model.NodeStatus) error {
	filter := bson.D{{Key: "_id", Value: id}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: status},
		{Key: "updated_at", Value: time.Now()},
	}}}

	res, err := s.col(ColNodes).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return wrapError(mongo.ErrNoDocuments)
	}
	return nil
}
