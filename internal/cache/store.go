package cache

import (
	"context"
	"errors"
)

// Store 负责管理版本化响应缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<Version>/<hash>.body    # 响应正文
//	<StoragePath>/<Version>/<hash>.meta    # 状态码与内容类型
//
// 每个版本目录是一个独立代次，激活后旧代次整体删除。
type Store interface {
	// Get 返回缓存的响应快照。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Snapshot, error)

	// Put 将响应快照写入缓存。实现需通过临时文件 + rename 保证写入原子性，
	// 并在失败时清理临时文件。快照一旦写入即不可变，仅能被显式覆盖。
	Put(ctx context.Context, locator Locator, snapshot Snapshot) error

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// ListVersions 枚举当前存储的所有代次标签。
	ListVersions(ctx context.Context) ([]string, error)

	// RemoveVersion 整体删除一个代次目录及其全部条目。
	RemoveVersion(ctx context.Context, version string) error
}

// Locator 唯一定位一个缓存条目（代次 + 请求键），请求键为 URL 路径风格。
type Locator struct {
	Version string
	Key     string
}

// Snapshot 表示一次被捕获的响应：状态码、内容类型与完整正文。
type Snapshot struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}

// ErrNotFound 表示缓存不存在，调用方应将其视为未命中而非失败。
var ErrNotFound = errors.New("cache entry not found")

// ErrStoreUnavailable 表示当前未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")
