package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// GeneralCache 通用本地缓存，支持 TTL
type GeneralCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
	// ristretto 写入是异步的，Remember 需要"检查并写入"语义
	mu sync.Mutex
}

// NewGeneralCache 创建通用缓存
// maxCost: 最大内存成本，每个键按 1 计
// ttl: 默认过期时间
func NewGeneralCache(maxCost int64, ttl time.Duration) (*GeneralCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10, // 官方建议计数器数量为最大条目的 10 倍
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 ristretto 缓存失败: %w", err)
	}

	return &GeneralCache{
		cache: cache,
		ttl:   ttl,
	}, nil
}

// Set 设置缓存，使用默认 TTL，写入后等待生效
func (c *GeneralCache) Set(key string, value any) bool {
	ok := c.cache.SetWithTTL(key, value, 1, c.ttl)
	c.cache.Wait()
	return ok
}

// Get 获取缓存
func (c *GeneralCache) Get(key string) (any, bool) {
	return c.cache.Get(key)
}

// Remember 记录 key，已存在返回 false（用于幂等去重）
func (c *GeneralCache) Remember(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Get(key); ok {
		return false
	}
	c.Set(key, struct{}{})
	return true
}

// Delete 删除缓存
func (c *GeneralCache) Delete(key string) {
	c.cache.Del(key)
}

// Close 关闭缓存
func (c *GeneralCache) Close() {
	c.cache.Close()
}
