package mongostore

import (
	"context"
	"time"

	"linsight/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// SessionStore
// ============================================================================

func (s *Store) CreateMessageSession(ctx context.Context, ms *model.MessageSession) error {
	return insertOne(ctx, s.col(ColMessageSessions), ms)
}

func (s *Store) GetMessageSession(ctx context.Context, id string) (*model.MessageSession, error) {
	return findOne[model.MessageSession](ctx, s.col(ColMessageSessions), byID(id))
}

func (s *Store) ListMessageSessions(ctx context.Context, userID string, limit int) ([]*model.MessageSession, error) {
	opts := options.Find().SetSort(bson.D{{Key: "update_time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findMany[model.MessageSession](ctx, s.col(ColMessageSessions), bson.D{{Key: "user_id", Value: userID}}, opts)
}

func (s *Store) CreateSessionVersion(ctx context.Context, v *model.SessionVersion) error {
	return insertOne(ctx, s.col(ColSessionVersions), v)
}

func (s *Store) GetSessionVersion(ctx context.Context, id string) (*model.SessionVersion, error) {
	return findOne[model.SessionVersion](ctx, s.col(ColSessionVersions), byID(id))
}

func (s *Store) UpdateSessionVersion(ctx context.Context, v *model.SessionVersion) error {
	v.UpdateTime = time.Now().UTC()
	return replaceIfField(ctx, s.col(ColSessionVersions), v.ID, "status", v.Status, v)
}

func (s *Store) UpdateVersionFeedback(ctx context.Context, id string, score *int, feedback string) error {
	update := bson.D{{Key: "update_time", Value: time.Now().UTC()}}
	if score != nil {
		update = append(update, bson.E{Key: "score", Value: *score})
	}
	if feedback != "" {
		update = append(update, bson.E{Key: "execute_feedback", Value: feedback})
	}
	return updateFields(ctx, s.col(ColSessionVersions), id, update)
}

func (s *Store) UpdateVersionStatus(ctx context.Context, id string, to model.SessionVersionStatus, expected ...model.SessionVersionStatus) error {
	update := bson.D{
		{Key: "status", Value: to},
		{Key: "update_time", Value: time.Now().UTC()},
	}
	return compareAndSet(ctx, s.col(ColSessionVersions), id, "status", expected, update)
}

func (s *Store) ListSessionVersions(ctx context.Context, sessionID string) ([]*model.SessionVersion, error) {
	opts := options.Find().SetSort(bson.D{{Key: "create_time", Value: 1}})
	return findMany[model.SessionVersion](ctx, s.col(ColSessionVersions), bson.D{{Key: "session_id", Value: sessionID}}, opts)
}

// ============================================================================
// TaskStore
// ============================================================================

func (s *Store) CreateExecuteTasks(ctx context.Context, tasks []*model.ExecuteTask) error {
	if len(tasks) == 0 {
		return nil
	}
	_, err := s.col(ColExecuteTasks).InsertMany(ctx, tasks)
	return wrapError(err)
}

func (s *Store) GetExecuteTask(ctx context.Context, id string) (*model.ExecuteTask, error) {
	return findOne[model.ExecuteTask](ctx, s.col(ColExecuteTasks), byID(id))
}

func (s *Store) UpdateExecuteTask(ctx context.Context, task *model.ExecuteTask) error {
	task.UpdateTime = time.Now().UTC()
	return replaceByID(ctx, s.col(ColExecuteTasks), task.ID, task)
}

func (s *Store) ListExecuteTasks(ctx context.Context, versionID string) ([]*model.ExecuteTask, error) {
	opts := options.Find().SetSort(bson.D{{Key: "step_index", Value: 1}})
	return findMany[model.ExecuteTask](ctx, s.col(ColExecuteTasks), bson.D{{Key: "session_version_id", Value: versionID}}, opts)
}

func (s *Store) DeleteExecuteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.col(ColExecuteTasks).DeleteMany(ctx, inIDs(ids))
	return wrapError(err)
}
