// Package model 定义核心数据模型
//
// sop.go 包含 SOP（标准作业流程）记录的数据模型定义
package model

import "time"

// SOPRecord 持久化的 SOP
//
// 生命周期：
//   - SessionVersion 开始执行时创建（失败的执行也会保留 SOP）
//   - 只允许管理员修改（重命名、精选开关、导入覆盖）
//   - 精选标记存在时不可删除，须先取消精选
type SOPRecord struct {
	ID                string    `json:"id" bson:"_id"`
	Name              string    `json:"name" bson:"name"`
	Description       string    `json:"description" bson:"description"`
	Content           string    `json:"content" bson:"content"`
	UserID            string    `json:"user_id" bson:"user_id"`
	Showcase          bool      `json:"showcase" bson:"showcase"`
	LinsightVersionID string    `json:"linsight_version_id,omitempty" bson:"linsight_version_id,omitempty"`
	Rating            *int      `json:"rating,omitempty" bson:"rating,omitempty"`
	Feedback          string    `json:"feedback,omitempty" bson:"feedback,omitempty"`
	CreateTime        time.Time `json:"create_time" bson:"create_time"`
	UpdateTime        time.Time `json:"update_time" bson:"update_time"`
}

// SOPFilter 管理端 SOP 列表过滤条件
type SOPFilter struct {
	Name     string // 名称子串
	Showcase *bool  // 精选过滤
	SortBy   string // "create_time" 或 "update_time"（默认）
	Asc      bool
	Page     int // 从 1 开始
	PageSize int // 0 表示不分页
}
