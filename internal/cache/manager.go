package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

// OfflineBody 是离线兜底响应的固定正文，前端据此提示用户。
const OfflineBody = "Offline - Content not available"

// Manager 持有清单与当前激活代次，负责 install/update/cleanup 生命周期，
// 以及带三级兜底的读取逻辑。所有写入都只发生在激活代次内。
type Manager struct {
	store   Store
	client  *http.Client
	logger  *logrus.Logger
	origin  *url.URL
	version string
	assets  []string
	rootDoc string
}

// ManagerOptions 汇总构造 Manager 所需的缓存配置。RootDocument 为空时
// 回退到清单首项。
type ManagerOptions struct {
	Origin       string
	Version      string
	Assets       []string
	RootDocument string
}

// ManifestReport 汇报一次 install/update 的逐资源结果。失败不阻断批次，
// 只是被收集起来供调用方决定是否提示。
type ManifestReport struct {
	Attempted int
	Failed    []string
}

// NewManager 构造缓存管理器，origin 为资源回源地址。
func NewManager(store Store, client *http.Client, logger *logrus.Logger, opts ManagerOptions) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if client == nil {
		return nil, errors.New("http client required")
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if opts.Version == "" {
		return nil, errors.New("cache version required")
	}

	rootDoc := opts.RootDocument
	if rootDoc == "" {
		rootDoc = "/"
		if len(opts.Assets) > 0 {
			rootDoc = opts.Assets[0]
		}
	}

	return &Manager{
		store:   store,
		client:  client,
		logger:  logger,
		origin:  origin,
		version: opts.Version,
		assets:  opts.Assets,
		rootDoc: rootDoc,
	}, nil
}

// ActiveVersion 返回当前激活的代次标签。
func (m *Manager) ActiveVersion() string {
	return m.version
}

// Install 将清单中的每个资源抓取并写入激活代次。单个资源失败只记录日志并
// 收集进报告，不会中断剩余资源；只有存储不可用才返回 error。
func (m *Manager) Install(ctx context.Context) (*ManifestReport, error) {
	return m.refresh(ctx, "install")
}

// UpdateCache 对当前激活代次重跑一遍清单抓取，语义与 Install 相同且幂等，
// 不会产生新的代次，也不会清理旧代次。
func (m *Manager) UpdateCache(ctx context.Context) (*ManifestReport, error) {
	return m.refresh(ctx, "update_cache")
}

func (m *Manager) refresh(ctx context.Context, action string) (*ManifestReport, error) {
	if m.store == nil {
		return nil, ErrStoreUnavailable
	}

	report := &ManifestReport{Attempted: len(m.assets)}
	for _, key := range m.assets {
		if err := m.fetchAndStore(ctx, key); err != nil {
			report.Failed = append(report.Failed, key)
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action":  action,
				"version": m.version,
				"key":     key,
			}).Warn("asset_cache_failed")
		}
	}

	m.logger.WithFields(logrus.Fields{
		"action":    action,
		"version":   m.version,
		"attempted": report.Attempted,
		"failed":    len(report.Failed),
	}).Info("manifest_refresh_complete")
	return report, nil
}

// Cleanup 删除激活代次之外的所有代次目录，可重复调用。
func (m *Manager) Cleanup(ctx context.Context) error {
	versions, err := m.store.ListVersions(ctx)
	if err != nil {
		return fmt.Errorf("list cache versions: %w", err)
	}

	for _, version := range versions {
		if version == m.version {
			continue
		}
		if err := m.store.RemoveVersion(ctx, version); err != nil {
			return fmt.Errorf("remove cache version %s: %w", version, err)
		}
		m.logger.WithFields(logrus.Fields{
			"action":  "cleanup",
			"version": version,
		}).Info("stale_version_removed")
	}
	return nil
}

// Get 返回激活代次中的条目；未命中返回 ErrNotFound，属于正常结果。
func (m *Manager) Get(ctx context.Context, key string) (*Snapshot, error) {
	return m.store.Get(ctx, Locator{Version: m.version, Key: key})
}

// Put 仅在响应状态为成功时写入快照，非成功响应被静默忽略，防止污染缓存。
func (m *Manager) Put(ctx context.Context, key string, snapshot Snapshot) error {
	if snapshot.Status != http.StatusOK {
		return nil
	}
	return m.store.Put(ctx, Locator{Version: m.version, Key: key}, snapshot)
}

// Fallback 执行三级兜底：精确命中 → 导航请求回退根文档 → 合成 503。
// 顺序不可调换，导航请求离线时绝不能把原始网络错误抛给用户。
func (m *Manager) Fallback(ctx context.Context, key string, navigation bool) *Snapshot {
	if snapshot, err := m.Get(ctx, key); err == nil {
		return snapshot
	}

	if navigation {
		if snapshot, err := m.Get(ctx, m.rootDoc); err == nil {
			return snapshot
		}
	}

	return &Snapshot{
		Status:      http.StatusServiceUnavailable,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(OfflineBody),
	}
}

// Versions 暴露当前存储的代次列表，供诊断接口使用。
func (m *Manager) Versions(ctx context.Context) ([]string, error) {
	return m.store.ListVersions(ctx)
}

// fetchAndStore 从源站抓取单个资源并写入激活代次。
func (m *Manager) fetchAndStore(ctx context.Context, key string) error {
	target := m.origin.ResolveReference(&url.URL{Path: key})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, key)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return m.store.Put(ctx, Locator{Version: m.version, Key: key}, Snapshot{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	})
}
