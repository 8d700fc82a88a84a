package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"vetlink/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store 封装对象存储访问。路径约定为 <feature>/<parent-id>/<child-id>，
// 例如 chat_images/<conversationId>/<messageId>。
type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.S3Bucket}, nil
}

// EnsureBucket 在启动时创建缺失的 bucket。
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket check: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("bucket create: %w", err)
	}
	return nil
}

// Upload 写入对象并返回其下载 URL。
func (s *Store) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.DownloadURL(key), nil
}

// DownloadURL 解析对象的公开下载地址。bucket 以只读公开策略部署。
func (s *Store) DownloadURL(key string) string {
	base := s.client.EndpointURL()
	return fmt.Sprintf("%s://%s/%s/%s", base.Scheme, base.Host, s.bucket, key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// KeyFromURL 从下载 URL 还原对象 key，仅接受本 bucket 的地址。
func (s *Store) KeyFromURL(url string) (string, bool) {
	base := s.client.EndpointURL()
	prefix := fmt.Sprintf("%s://%s/%s/", base.Scheme, base.Host, s.bucket)
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}
