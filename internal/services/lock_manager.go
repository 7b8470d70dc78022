// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按资源 ID（活动或会话）分配读写锁
type LockManager struct {
	locks      map[string]*LockInfo
	globalLock sync.Mutex
	lockTTL    time.Duration
	now        func() time.Time
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
	refs     int // 持有或等待中的调用数，大于 0 时不会被清理
}

// NewLockManager 创建锁管理器；ttl 为空闲锁的保留时间
func NewLockManager(ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LockManager{
		locks:   make(map[string]*LockInfo),
		lockTTL: ttl,
		now:     time.Now,
	}
}

func (lm *LockManager) acquire(key string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, ok := lm.locks[key]
	if !ok {
		info = &LockInfo{Mutex: &sync.RWMutex{}}
		lm.locks[key] = info
	}
	info.refs++
	info.LastUsed = lm.now()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	info.refs--
	info.LastUsed = lm.now()
}

// WithLock 在写锁保护下执行
func (lm *LockManager) WithLock(key string, fn func() error) error {
	info := lm.acquire(key)
	defer lm.release(info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()
	return fn()
}

// WithReadLock 在读锁保护下执行
func (lm *LockManager) WithReadLock(key string, fn func() error) error {
	info := lm.acquire(key)
	defer lm.release(info)

	info.Mutex.RLock()
	defer info.Mutex.RUnlock()
	return fn()
}

// Cleanup 移除超过 TTL 未使用且无人持有的锁，返回移除数量
func (lm *LockManager) Cleanup() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	now := lm.now()
	removed := 0
	for key, info := range lm.locks {
		if info.refs == 0 && now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.locks, key)
			removed++
		}
	}
	return removed
}

// Len 当前登记的锁数量
func (lm *LockManager) Len() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.locks)
}
