// Package objstore 对象存储抽象
//
// 存放会话附件、任务产物 markdown、TTS 音频。对象 key 约定：
//   - <version_id>/<file>       会话文件与产物
//   - tts/<uuid>.mp3            TTS 音频
//
// 上传先进入临时 bucket，被 SessionVersion 引用时由 Promote 复制到主 bucket。
package objstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("object not found")

// Store 对象存储
type Store interface {
	// Put 写入主 bucket
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// PutTmp 写入临时 bucket
	PutTmp(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get 读取；不存在返回 ErrNotFound。调用方负责关闭
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// Copy 主 bucket 内复制
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Promote 从临时 bucket 复制到主 bucket
	Promote(ctx context.Context, tmpKey, dstKey string) error
	// ShareLink 生成限时下载链接
	ShareLink(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ReadAll 读取整个对象
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
