// Package model 定义核心数据模型
//
// knowledge.go 包含知识库重建相关的数据模型定义
package model

import "time"

// KnowledgeState 知识库状态
type KnowledgeState string

const (
	KnowledgeStatePublished  KnowledgeState = "Published"
	KnowledgeStateRebuilding KnowledgeState = "Rebuilding"
	KnowledgeStateFailed     KnowledgeState = "Failed"
)

// KnowledgeBase 知识库
//
// CollectionName 是当前生效的向量集合指针；重建成功后原子切换。
type KnowledgeBase struct {
	ID               string         `json:"id" bson:"_id"`
	Name             string         `json:"name" bson:"name"`
	Description      string         `json:"description,omitempty" bson:"description,omitempty"`
	UserID           string         `json:"user_id" bson:"user_id"`
	Personal         bool           `json:"personal" bson:"personal"`
	EmbeddingModelID string         `json:"embedding_model_id" bson:"embedding_model_id"`
	CollectionName   string         `json:"collection_name" bson:"collection_name"`
	State            KnowledgeState `json:"state" bson:"state"`
	Error            string         `json:"error,omitempty" bson:"error,omitempty"`
	CreateTime       time.Time      `json:"create_time" bson:"create_time"`
	UpdateTime       time.Time      `json:"update_time" bson:"update_time"`
}

// Ref 转为提示词中的知识库描述
func (kb *KnowledgeBase) Ref() KnowledgeRef {
	return KnowledgeRef{ID: kb.ID, Name: kb.Name, Description: kb.Description, Personal: kb.Personal}
}
