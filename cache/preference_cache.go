package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	qualityPrefKeyPrefix = "pref:quality:"
	qualityPrefTTL       = 30 * time.Minute

	authNoticeKeyPrefix = "notice:auth_expired:"
	authNoticeTTL       = 10 * time.Minute
)

// PreferenceCache 用户偏好缓存，挡在MySQL前面。
// 音质偏好在任务启动时读取，读多写少，适合短TTL缓存。
type PreferenceCache struct {
	client *redis.Client
}

// NewPreferenceCache 创建偏好缓存
func NewPreferenceCache(client *redis.Client) *PreferenceCache {
	return &PreferenceCache{client: client}
}

// GetQuality 读取用户音质偏好缓存，未命中返回空串
func (c *PreferenceCache) GetQuality(ctx context.Context, userID int64) (string, error) {
	if c.client == nil {
		return "", nil
	}
	val, err := c.client.Get(ctx, qualityPrefKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get quality preference from cache: %w", err)
	}
	return val, nil
}

// SetQuality 写入用户音质偏好缓存
func (c *PreferenceCache) SetQuality(ctx context.Context, userID int64, quality string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, qualityPrefKey(userID), quality, qualityPrefTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache quality preference: %w", err)
	}
	return nil
}

// InvalidateQuality 偏好变更后删除缓存
func (c *PreferenceCache) InvalidateQuality(ctx context.Context, userID int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, qualityPrefKey(userID)).Err()
}

// ShouldNotifyAuthExpired 授权失效的全局提示限流：
// 窗口内首次返回true，之后返回false，避免每个文件都弹一次
func (c *PreferenceCache) ShouldNotifyAuthExpired(ctx context.Context, userID int64) bool {
	if c.client == nil {
		return true
	}
	ok, err := c.client.SetNX(ctx, fmt.Sprintf("%s%d", authNoticeKeyPrefix, userID), 1, authNoticeTTL).Result()
	if err != nil {
		// 限流只是体验优化，缓存不可用时宁可多提示
		return true
	}
	return ok
}

func qualityPrefKey(userID int64) string {
	return fmt.Sprintf("%s%d", qualityPrefKeyPrefix, userID)
}
