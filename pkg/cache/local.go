package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCache 基于 golang-lru 的本地缓存，容量满时淘汰最久未使用的键
type localCache struct {
	config LocalConfig
	lru    *expirable.LRU[string, cacheItem]
	mu     sync.Mutex // 保护 SetNX 的检查与写入
}

// cacheItem 缓存项，expiration 用于条目级过期
type cacheItem struct {
	value      []byte
	expiration time.Time
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	config = config.withDefaults()
	return &localCache{
		config: config,
		lru:    expirable.NewLRU[string, cacheItem](config.MaxSize, nil, config.DefaultExpiration),
	}
}

func (lc *localCache) item(value []byte, expiration time.Duration) cacheItem {
	if expiration <= 0 || expiration > lc.config.DefaultExpiration {
		// LRU 自身的 TTL 是上限
		expiration = lc.config.DefaultExpiration
	}
	return cacheItem{value: value, expiration: time.Now().Add(expiration)}
}

func (lc *localCache) lookup(key string) (cacheItem, bool) {
	item, ok := lc.lru.Get(key)
	if !ok {
		return cacheItem{}, false
	}
	if time.Now().After(item.expiration) {
		lc.lru.Remove(key)
		return cacheItem{}, false
	}
	return item, true
}

// Get 获取缓存值
func (lc *localCache) Get(ctx context.Context, key string) ([]byte, bool) {
	item, ok := lc.lookup(key)
	if !ok {
		return nil, false
	}
	return item.value, true
}

// Set 设置缓存值
func (lc *localCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	lc.lru.Add(key, lc.item(value, expiration))
	return nil
}

// SetNX 键不存在时写入
func (lc *localCache) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if _, ok := lc.lookup(key); ok {
		return false, nil
	}
	lc.lru.Add(key, lc.item(value, expiration))
	return true, nil
}

// Delete 删除缓存
func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

// Exists 检查键是否存在
func (lc *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := lc.lookup(key)
	return ok
}

// Clear 清空所有缓存
func (lc *localCache) Clear(ctx context.Context) error {
	lc.lru.Purge()
	return nil
}

// Len 当前缓存项数量
func (lc *localCache) Len() int {
	return lc.lru.Len()
}

func (lc *localCache) Close() error {
	lc.lru.Purge()
	return nil
}
