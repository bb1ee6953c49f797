package mongostore

import (
	"context"
	"time"

	"linsight/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// ModelStore
// ============================================================================

func (s *Store) CreateLLMServer(ctx context.Context, server *model.LLMServer) error {
	return insertOne(ctx, s.col(ColLLMServers), server)
}

func (s *Store) GetLLMServer(ctx context.Context, id string) (*model.LLMServer, error) {
	return findOne[model.LLMServer](ctx, s.col(ColLLMServers), byID(id))
}

func (s *Store) UpdateLLMServer(ctx context.Context, server *model.LLMServer) error {
	server.UpdateTime = time.Now().UTC()
	return replaceByID(ctx, s.col(ColLLMServers), server.ID, server)
}

func (s *Store) ListLLMServers(ctx context.Context) ([]*model.LLMServer, error) {
	opts := options.Find().SetSort(bson.D{{Key: "create_time", Value: 1}})
	return findMany[model.LLMServer](ctx, s.col(ColLLMServers), bson.D{}, opts)
}

func (s *Store) DeleteLLMServer(ctx context.Context, id string) error {
	if _, err := s.col(ColLLMModels).DeleteMany(ctx, bson.D{{Key: "server_id", Value: id}}); err != nil {
		return wrapError(err)
	}
	return deleteByID(ctx, s.col(ColLLMServers), id)
}

func (s *Store) CreateLLMModel(ctx context.Context, m *model.LLMModel) error {
	return insertOne(ctx, s.col(ColLLMModels), m)
}

func (s *Store) GetLLMModel(ctx context.Context, id string) (*model.LLMModel, error) {
	return findOne[model.LLMModel](ctx, s.col(ColLLMModels), byID(id))
}

func (s *Store) UpdateLLMModel(ctx context.Context, m *model.LLMModel) error {
	m.UpdateTime = time.Now().UTC()
	return replaceByID(ctx, s.col(ColLLMModels), m.ID, m)
}

func (s *Store) ListLLMModels(ctx context.Context, serverID string) ([]*model.LLMModel, error) {
	filter := bson.D{}
	if serverID != "" {
		filter = bson.D{{Key: "server_id", Value: serverID}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "create_time", Value: 1}})
	return findMany[model.LLMModel](ctx, s.col(ColLLMModels), filter, opts)
}

func (s *Store) DeleteLLMModel(ctx context.Context, id string) error {
	return deleteByID(ctx, s.col(ColLLMModels), id)
}

func (s *Store) UpdateLLMModelStatus(ctx context.Context, id string, status model.ModelStatus, remark string) error {
	return updateFields(ctx, s.col(ColLLMModels), id, bson.D{
		{Key: "status", Value: status},
		{Key: "remark", Value: remark},
		{Key: "update_time", Value: time.Now().UTC()},
	})
}

func (s *Store) CreateModelInvoke(ctx context.Context, inv *model.ModelInvoke) error {
	return insertOne(ctx, s.col(ColModelInvokes), inv)
}

func (s *Store) ListModelInvokes(ctx context.Context, modelID string, limit int) ([]*model.ModelInvoke, error) {
	filter := bson.D{}
	if modelID != "" {
		filter = bson.D{{Key: "model_id", Value: modelID}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findMany[model.ModelInvoke](ctx, s.col(ColModelInvokes), filter, opts)
}

func (s *Store) GetWorkbenchConfig(ctx context.Context) (*model.WorkbenchConfig, error) {
	return findOne[model.WorkbenchConfig](ctx, s.col(ColSettings), byID(model.WorkbenchConfigID))
}

func (s *Store) SaveWorkbenchConfig(ctx context.Context, cfg *model.WorkbenchConfig) error {
	cfg.ID = model.WorkbenchConfigID
	cfg.UpdateTime = time.Now().UTC()
	_, err := s.col(ColSettings).ReplaceOne(ctx, byID(cfg.ID), cfg, options.Replace().SetUpsert(true))
	return wrapError(err)
}
