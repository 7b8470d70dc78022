// internal/engine/runtime/cache.go
package runtime

import (
	"sort"
	"sync"
	"time"
)

// cacheEntry 一次成功的 AI 调用结果
type cacheEntry struct {
	outputs   map[string]interface{}
	createdAt time.Time
	lastUsed  time.Time
}

// resultCache 会话私有的 AI 结果缓存，按指纹索引
type resultCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	capacity   int
	expiration time.Duration
	now        func() time.Time
}

func newResultCache(capacity int, expiration time.Duration, now func() time.Time) *resultCache {
	return &resultCache{
		entries:    make(map[string]*cacheEntry),
		capacity:   capacity,
		expiration: expiration,
		now:        now,
	}
}

// get 命中时返回输出的副本；过期条目视为未命中
func (c *resultCache) get(key string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	now := c.now()
	if c.expiration > 0 && now.Sub(entry.createdAt) > c.expiration {
		delete(c.entries, key)
		return nil, false
	}
	entry.lastUsed = now
	return copyOutputs(entry.outputs), true
}

// put 只应保存成功的结果
func (c *resultCache) put(key string, outputs map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &cacheEntry{
		outputs:   copyOutputs(outputs),
		createdAt: now,
		lastUsed:  now,
	}

	if c.capacity > 0 && len(c.entries) > c.capacity {
		// 超出容量时清理最久未使用的 10%
		c.evictOldest(max(1, c.capacity/10))
	}
}

func (c *resultCache) evictOldest(count int) {
	type keyAge struct {
		key string
		age time.Time
	}

	entries := make([]keyAge, 0, len(c.entries))
	for k, v := range c.entries {
		entries = append(entries, keyAge{k, v.lastUsed})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].age.Before(entries[j].age)
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(c.entries, entries[i].key)
	}
}

func (c *resultCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func copyOutputs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
