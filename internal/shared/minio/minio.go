package objstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"linsight/internal/config"
)

// Client MinIO 客户端封装
type Client struct {
	mc        *minio.Client
	bucket    string
	tmpBucket string
}

var _ Store = (*Client)(nil)

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "linsight"
	}
	tmpBucket := cfg.TmpBucket
	if tmpBucket == "" {
		tmpBucket = bucket + "-tmp"
	}

	return &Client{mc: mc, bucket: bucket, tmpBucket: tmpBucket}, nil
}

// EnsureBuckets 确保主 bucket 与临时 bucket 存在
func (c *Client) EnsureBuckets(ctx context.Context) error {
	for _, b := range []string{c.bucket, c.tmpBucket} {
		exists, err := c.mc.BucketExists(ctx, b)
		if err != nil {
			return fmt.Errorf("check bucket: %w", err)
		}
		if !exists {
			if err := c.mc.MakeBucket(ctx, b, minio.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("create bucket: %w", err)
			}
			log.Printf("[minio] Created bucket: %s", b)
		}
	}
	return nil
}

func (c *Client) put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Put 上传对象到主 bucket；size 未知时传 -1
func (c *Client) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return c.put(ctx, c.bucket, key, reader, size, contentType)
}

// PutTmp 上传对象到临时 bucket
func (c *Client) PutTmp(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return c.put(ctx, c.tmpBucket, key, reader, size, contentType)
}

// Get 下载对象，调用方负责关闭返回的 ReadCloser
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// 验证对象存在（GetObject 不会立即返回错误）
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// Exists 检查对象是否存在
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete 删除对象
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

func (c *Client) copy(ctx context.Context, srcBucket, srcKey, dstKey string) error {
	_, err := c.mc.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("copy %s/%s -> %s: %w", srcBucket, srcKey, dstKey, err)
	}
	return nil
}

// Copy 主 bucket 内复制
func (c *Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	return c.copy(ctx, c.bucket, srcKey, dstKey)
}

// Promote 临时 bucket → 主 bucket
func (c *Client) Promote(ctx context.Context, tmpKey, dstKey string) error {
	return c.copy(ctx, c.tmpBucket, tmpKey, dstKey)
}

// ShareLink 预签名 GET 链接
func (c *Client) ShareLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
