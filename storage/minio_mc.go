package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	ObjectCount int64
	TotalSize   int64
}

// ObjectInfo 对象摘要信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified string
	ContentType  string
}

// MinioClient 管理用客户端，供存储巡检命令使用
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient 创建管理用MinIO客户端
func NewMinioClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}
	return &MinioClient{client: client, bucketName: bucketName}, nil
}

// ListObjects 列出指定前缀下的对象
func (m *MinioClient) ListObjects(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, *BucketStats, error) {
	var objects []ObjectInfo
	stats := &BucketStats{}

	for object := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列取对象失败: %w", object.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified.Format("2006-01-02 15:04:05"),
			ContentType:  inferContentType(object.Key),
		})
		stats.ObjectCount++
		stats.TotalSize += object.Size
	}
	return objects, stats, nil
}

// DeleteDirectory 删除指定前缀下的全部对象
func (m *MinioClient) DeleteDirectory(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("删除操作需要指定目录前缀")
	}
	for object := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("列取对象失败: %w", object.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucketName, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("删除对象失败 %s: %w", object.Key, err)
		}
	}
	return nil
}

// FormatSize 人类可读的大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// inferContentType 按扩展名推断内容类型
func inferContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".aif", ".aiff":
		return "audio/aiff"
	case ".wma":
		return "audio/x-ms-wma"
	default:
		return "application/octet-stream"
	}
}

// InferContentType 导出的内容类型推断，供网关服务使用
func InferContentType(filename string) string {
	return inferContentType(filename)
}
