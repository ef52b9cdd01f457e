package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"Bandmate/config"
	"Bandmate/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var minioClient *minio.Client

// InitMinio 初始化 MinIO 客户端并确保存储桶存在
func InitMinio(cfg *config.Config) error {
	logger.Info("正在连接 MinIO 服务器",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket),
		logger.String("region", cfg.MinioRegion))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		err = client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{
			Region: cfg.MinioRegion,
		})
		if err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	minioClient = client
	logger.Info("MinIO 客户端初始化成功")
	return nil
}

// GetMinioClient 获取 MinIO 客户端实例
func GetMinioClient() *minio.Client {
	return minioClient
}

// ObjectStore 面向网关服务的对象存储封装。
// PublicBaseURL 非空时对象可通过公开URL直接访问，否则只返回私有key，
// 播放时再由签名URL服务换取访问地址。
type ObjectStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewObjectStore 创建对象存储封装
func NewObjectStore(client *minio.Client, bucket, publicBaseURL string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, publicBaseURL: publicBaseURL}
}

// Put 将对象写入存储桶
func (s *ObjectStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("上传对象失败 %s: %w", key, err)
	}
	logger.Info("对象已落盘",
		logger.String("bucket", s.bucket),
		logger.String("key", key),
		logger.Int64("size", size))
	return nil
}

// PublicURL 返回对象的公开URL；未配置公开访问时返回空串
func (s *ObjectStore) PublicURL(key string) string {
	if s.publicBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", s.publicBaseURL, key)
}

// PresignedURL 为私有对象签发时效性访问URL，用于时长探测等短期用途
func (s *ObjectStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("签发临时URL失败 %s: %w", key, err)
	}
	return u.String(), nil
}
