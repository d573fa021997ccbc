package cache

import (
	"context"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// WithMemoryFront 为底层 Store 套上一层进程内热缓存，减少重复磁盘读取。
// maxBytes 是内存层正文总预算，0 或负值表示不启用内存层。
func WithMemoryFront(store Store, maxBytes int64) Store {
	if maxBytes <= 0 {
		return store
	}
	return &memoryFront{
		inner:    store,
		hot:      gocache.New(gocache.NoExpiration, 0),
		maxBytes: maxBytes,
	}
}

// memoryFront 不引入额外的过期语义：条目生命周期完全跟随底层 Store，
// Remove/RemoveVersion 时同步失效。超出预算的条目直接绕过内存层。
type memoryFront struct {
	inner    Store
	hot      *gocache.Cache
	maxBytes int64

	mu   sync.Mutex
	used int64
}

func (m *memoryFront) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	if value, ok := m.hot.Get(locatorKey(locator)); ok {
		if snapshot, ok := value.(Snapshot); ok {
			clone := snapshot
			return &clone, nil
		}
	}

	snapshot, err := m.inner.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	m.admit(locator, *snapshot)
	return snapshot, nil
}

func (m *memoryFront) Put(ctx context.Context, locator Locator, snapshot Snapshot) error {
	if err := m.inner.Put(ctx, locator, snapshot); err != nil {
		return err
	}
	m.evict(locator)
	m.admit(locator, snapshot)
	return nil
}

func (m *memoryFront) Remove(ctx context.Context, locator Locator) error {
	m.evict(locator)
	return m.inner.Remove(ctx, locator)
}

func (m *memoryFront) ListVersions(ctx context.Context) ([]string, error) {
	return m.inner.ListVersions(ctx)
}

func (m *memoryFront) RemoveVersion(ctx context.Context, version string) error {
	prefix := version + "::"
	for key := range m.hot.Items() {
		if strings.HasPrefix(key, prefix) {
			m.evictKey(key)
		}
	}
	return m.inner.RemoveVersion(ctx, version)
}

// admit 在预算允许时驻留快照；超预算的条目跳过，不做置换。
func (m *memoryFront) admit(locator Locator, snapshot Snapshot) {
	size := int64(len(snapshot.Body))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hot.Get(locatorKey(locator)); exists {
		return
	}
	if m.used+size > m.maxBytes {
		return
	}
	m.used += size
	m.hot.Set(locatorKey(locator), snapshot, gocache.NoExpiration)
}

func (m *memoryFront) evict(locator Locator) {
	m.evictKey(locatorKey(locator))
}

func (m *memoryFront) evictKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if value, ok := m.hot.Get(key); ok {
		if snapshot, ok := value.(Snapshot); ok {
			m.used -= int64(len(snapshot.Body))
		}
		m.hot.Delete(key)
	}
}
