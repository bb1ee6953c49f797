package mongostore

import (
	"context"
	"time"

	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// KnowledgeStore
// ============================================================================

func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *model.KnowledgeBase) error {
	return insertOne(ctx, s.col(ColKnowledgeBases), kb)
}

func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error) {
	return findOne[model.KnowledgeBase](ctx, s.col(ColKnowledgeBases), byID(id))
}

func (s *Store) ListKnowledgeBases(ctx context.Context, userID string) ([]*model.KnowledgeBase, error) {
	filter := bson.D{}
	if userID != "" {
		filter = bson.D{{Key: "user_id", Value: userID}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "create_time", Value: 1}})
	return findMany[model.KnowledgeBase](ctx, s.col(ColKnowledgeBases), filter, opts)
}

func (s *Store) ListKnowledgeBasesByModel(ctx context.Context, embeddingModelID string) ([]*model.KnowledgeBase, error) {
	return findMany[model.KnowledgeBase](ctx, s.col(ColKnowledgeBases), bson.D{{Key: "embedding_model_id", Value: embeddingModelID}})
}

func (s *Store) TransitionKnowledgeState(ctx context.Context, id string, upd storage.KnowledgeStateUpdate, expected ...model.KnowledgeState) error {
	update := bson.D{
		{Key: "state", Value: upd.State},
		{Key: "error", Value: upd.Error},
		{Key: "update_time", Value: time.Now().UTC()},
	}
	if upd.EmbeddingModelID != "" {
		update = append(update, bson.E{Key: "embedding_model_id", Value: upd.EmbeddingModelID})
	}
	if upd.CollectionName != "" {
		update = append(update, bson.E{Key: "collection_name", Value: upd.CollectionName})
	}
	return compareAndSet(ctx, s.col(ColKnowledgeBases), id, "state", expected, update)
}
