// Package mongostore 实现基于 MongoDB 的 PersistentStore
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 所有 Collection 名称和索引在 ensureIndexes 中统一管理。
package mongostore

import (
	"context"
	"fmt"
	"log"
	"time"

	"linsight/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColMessageSessions = "message_sessions"
	ColSessionVersions = "session_versions"
	ColExecuteTasks    = "execute_tasks"
	ColSOPs            = "sops"
	ColLLMServers      = "llm_servers"
	ColLLMModels       = "llm_models"
	ColModelInvokes    = "model_invokes"
	ColSettings        = "settings"
	ColKnowledgeBases  = "knowledge_bases"
)

// Store 实现 storage.PersistentStore 接口的 MongoDB 驱动
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool // 是否由 Store 负责断开连接
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "linsight"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName), owned: true}
	if err := s.ensureIndexes(ctx); err != nil {
		log.Printf("WARNING: mongostore: ensure indexes failed: %v", err)
	}
	return s, nil
}

// NewStoreFromClient 复用已有连接（由 infra 统一管理生命周期）
func NewStoreFromClient(client *mongo.Client, dbName string) *Store {
	s := &Store{client: client, db: client.Database(dbName)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		log.Printf("WARNING: mongostore: ensure indexes failed: %v", err)
	}
	return s
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col    string
		keys   bson.D
		unique bool
	}

	indexes := []idx{
		// message_sessions
		{ColMessageSessions, bson.D{{Key: "user_id", Value: 1}, {Key: "update_time", Value: -1}}, false},

		// session_versions
		{ColSessionVersions, bson.D{{Key: "session_id", Value: 1}, {Key: "create_time", Value: 1}}, false},
		{ColSessionVersions, bson.D{{Key: "status", Value: 1}}, false},

		// execute_tasks
		{ColExecuteTasks, bson.D{{Key: "session_version_id", Value: 1}, {Key: "step_index", Value: 1}}, false},

		// sops
		{ColSOPs, bson.D{{Key: "name", Value: 1}}, false},
		{ColSOPs, bson.D{{Key: "showcase", Value: 1}}, false},
		{ColSOPs, bson.D{{Key: "linsight_version_id", Value: 1}}, false},
		{ColSOPs, bson.D{{Key: "update_time", Value: -1}}, false},

		// llm_models
		{ColLLMModels, bson.D{{Key: "server_id", Value: 1}}, false},

		// model_invokes
		{ColModelInvokes, bson.D{{Key: "model_id", Value: 1}, {Key: "start_time", Value: -1}}, false},

		// knowledge_bases
		{ColKnowledgeBases, bson.D{{Key: "embedding_model_id", Value: 1}}, false},
		{ColKnowledgeBases, bson.D{{Key: "user_id", Value: 1}}, false},
	}

	for _, i := range indexes {
		im := mongo.IndexModel{Keys: i.keys}
		if i.unique {
			im.Options = options.Index().SetUnique(true)
		}
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, im); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}
	return nil
}
