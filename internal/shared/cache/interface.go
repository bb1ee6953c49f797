// Package cache 缓存层抽象接口
//
// 提供带 TTL 的键值存取与原子计数，当前由 Redis 实现；
// 单进程开发与测试使用 MemoryCache。
package cache

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// Key 约定
// ============================================================================

const (
	// KeyPreviewFile 文件预览缓存前缀：preview_file:<id>
	KeyPreviewFile = "preview_file:"

	// KeyModelLimit 模型服务日限额计数前缀：model_limit:YYYY-MM-DD:<server_id>
	KeyModelLimit = "model_limit:"

	// KeyWorkbenchTTS 语音合成结果缓存前缀：workbench_tts:<model>:<voice>:<md5(text)>
	KeyWorkbenchTTS = "workbench_tts:"
)

// TTL 常量
var (
	TTLPreviewFile  = 24 * time.Hour
	TTLWorkbenchTTS = 6 * 24 * time.Hour
)

// ModelLimitKey 返回 (server, UTC 日期) 的计数 key
func ModelLimitKey(serverID string, now time.Time) string {
	return fmt.Sprintf("%s%s:%s", KeyModelLimit, now.UTC().Format("2006-01-02"), serverID)
}

// NextUTCMidnight 返回下一个 UTC 零点
func NextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// ============================================================================
// 缓存接口定义
// ============================================================================

// Cache 缓存接口
type Cache interface {
	// Get 读取；不存在时 ok=false
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set 写入；ttl<=0 表示不过期
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete 删除
	Delete(ctx context.Context, key string) error

	// IncrExpireAt 原子自增并设置过期时间点，返回自增后的值
	IncrExpireAt(ctx context.Context, key string, at time.Time) (int64, error)

	Close() error
}
