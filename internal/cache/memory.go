package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryCache implements Cacher with an in-process map, TTL expiration
// and LRU eviction when full.
type MemoryCache struct {
	items    map[string]*memoryItem
	mu       sync.RWMutex
	maxItems int
	stopChan chan struct{}
	stopOnce sync.Once
}

type memoryItem struct {
	data       []byte
	expiration time.Time
	accessed   time.Time
}

// NewMemoryCache creates a memory cache holding at most maxItems entries
func NewMemoryCache(maxItems int) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 10000
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxItems: maxItems,
		stopChan: make(chan struct{}),
	}

	go mc.cleanupLoop()

	return mc
}

// Set stores a value, evicting the least recently used entry when full
func (mc *MemoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxItems {
		mc.evictLRU()
	}

	expirationTime := time.Now().Add(expiration)
	if expiration <= 0 {
		expirationTime = time.Now().Add(24 * time.Hour)
	}

	mc.items[key] = &memoryItem{
		data:       data,
		expiration: expirationTime,
		accessed:   time.Now(),
	}

	return nil
}

// Get retrieves a value into dest
func (mc *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, exists := mc.items[key]
	if !exists {
		return fmt.Errorf("key not found: %s", key)
	}

	if time.Now().After(item.expiration) {
		delete(mc.items, key)
		return fmt.Errorf("key expired: %s", key)
	}

	item.accessed = time.Now()
	return json.Unmarshal(item.data, dest)
}

// Delete removes a key
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	return nil
}

// DeletePrefix removes every key starting with prefix
func (mc *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for key := range mc.items {
		if strings.HasPrefix(key, prefix) {
			delete(mc.items, key)
		}
	}
	return nil
}

// Exists checks whether a non-expired entry is present
func (mc *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	item, exists := mc.items[key]
	if !exists {
		return false, nil
	}
	if time.Now().After(item.expiration) {
		return false, nil
	}
	return true, nil
}

// Size returns the current number of entries, expired ones included
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return len(mc.items)
}

// evictLRU removes the least recently accessed entry. Caller holds the lock.
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, item := range mc.items {
		if first || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
			first = false
		}
	}

	if oldestKey != "" {
		delete(mc.items, oldestKey)
	}
}

func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() {
		close(mc.stopChan)
	})
	return nil
}
