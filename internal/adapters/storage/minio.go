package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

// Minio реализует domain.ObjectStorage поверх S3-совместимого хранилища.
type Minio struct {
	client *minio.Client
	bucket string
}

var _ domain.ObjectStorage = (*Minio)(nil)

// NewMinio создаёт клиента хранилища и при необходимости бакет.
func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("создание клиента: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("проверка бакета: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("создание бакета: %w", err)
		}
	}
	return &Minio{client: client, bucket: bucket}, nil
}

// Exists проверяет наличие объекта.
func (m *Minio) Exists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	_, err := m.client.StatObject(ctx, m.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			metrics.ObserveNetworkRequest("s3", "stat", m.bucket, start, nil)
			return false, nil
		}
		metrics.ObserveNetworkRequest("s3", "stat", m.bucket, start, err)
		return false, err
	}
	metrics.ObserveNetworkRequest("s3", "stat", m.bucket, start, nil)
	return true, nil
}

// Put сохраняет объект.
func (m *Minio) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := m.client.PutObject(ctx, m.bucket, path, r, size, minio.PutObjectOptions{ContentType: contentType})
	metrics.ObserveNetworkRequest("s3", "put", m.bucket, start, err)
	if err != nil {
		return fmt.Errorf("сохранение объекта: %w", err)
	}
	return nil
}

// PresignedURL возвращает временную ссылку на объект.
func (m *Minio) PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := m.client.PresignedGetObject(ctx, m.bucket, path, ttl, nil)
	metrics.ObserveNetworkRequest("s3", "presign", m.bucket, start, err)
	if err != nil {
		return "", fmt.Errorf("генерация ссылки: %w", err)
	}
	return u.String(), nil
}
