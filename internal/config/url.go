package config

import (
	"fmt"
	"strings"
)

// buildMongoURL 构建 MongoDB 连接 URI
func buildMongoURL(db DatabaseConfig) string {
	if db.URI != "" {
		return db.URI
	}
	if db.User != "" && db.Password != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", db.User, db.Password, db.Host, db.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", db.Host, db.Port)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(r RedisConfig) string {
	if r.URL != "" {
		return r.URL
	}
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", r.Password, r.Host, r.Port, r.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", r.Host, r.Port, r.DB)
}

// buildVectorURL 根据驱动类型构建向量索引连接字符串
func buildVectorURL(v VectorStoreConfig) string {
	switch strings.ToLower(v.Driver) {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			v.User, v.Password, v.Host, v.Port, v.Name, v.SSLMode)
	default:
		path := v.Path
		if path == "" {
			path = "data/linsight-index.db"
		}
		if path == ":memory:" {
			return path
		}
		return fmt.Sprintf("file:%s?cache=shared&mode=rwc", path)
	}
}
