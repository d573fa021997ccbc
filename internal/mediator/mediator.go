// Package mediator 实现网络中介：被拦截的请求按“缓存优先 + 回源写穿 +
// 离线兜底”策略解析。本设计不存在 TTL 或自动过期，陈旧性只能通过显式的
// updateCache 命令解决。
package mediator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
)

// CacheAccess 抽象中介所需的缓存操作面，*cache.Manager 天然满足。
type CacheAccess interface {
	Get(ctx context.Context, key string) (*cache.Snapshot, error)
	Put(ctx context.Context, key string, snapshot cache.Snapshot) error
	Fallback(ctx context.Context, key string, navigation bool) *cache.Snapshot
}

// Handler 负责 orchestrate “缓存查找 → 回源写穿 → 离线兜底” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与缓存管理器。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	store  CacheAccess
	origin *url.URL
}

// NewHandler 构造网络中介，origin 为唯一的回源地址。
func NewHandler(client *http.Client, logger *logrus.Logger, store CacheAccess, origin string) (*Handler, error) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	return &Handler{
		client: client,
		logger: logger,
		store:  store,
		origin: parsed,
	}, nil
}

// Handle 处理一次被拦截的请求。非安全读取或跨源目标直接透传网络，绝不
// 进入缓存；其余请求缓存优先，未命中回源并写穿，网络失败走三级兜底。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	key := cacheKey(c)
	target, sameOrigin := h.resolveTarget(c)

	if !isSafeRead(c.Method()) || !sameOrigin {
		return h.passThrough(c, ctx, target, requestID, started)
	}

	if snapshot, err := h.store.Get(ctx, key); err == nil {
		return h.serveSnapshot(c, snapshot, true, requestID, started)
	} else if !errors.Is(err, cache.ErrNotFound) {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "serve",
			"key":    key,
		}).Warn("cache_get_failed")
	}

	return h.fetchAndMirror(c, ctx, key, target, requestID, started)
}

// fetchAndMirror 回源抓取；成功响应先镜像进缓存再返回（读时写穿），
// 网络失败时交给三级兜底，导航请求绝不把原始错误抛给用户。
func (h *Handler) fetchAndMirror(
	c fiber.Ctx,
	ctx context.Context,
	key string,
	target *url.URL,
	requestID string,
	started time.Time,
) error {
	resp, err := h.executeRequest(c, ctx, target)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "serve",
			"key":    key,
		}).Warn("upstream_unreachable")

		fallback := h.store.Fallback(ctx, key, isNavigation(c))
		return h.serveSnapshot(c, fallback, false, requestID, started)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fallback := h.store.Fallback(ctx, key, isNavigation(c))
		return h.serveSnapshot(c, fallback, false, requestID, started)
	}

	snapshot := cache.Snapshot{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}

	// Put 自带成功状态保护，非 200 响应不会进入缓存。
	if err := h.store.Put(ctx, key, snapshot); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "serve",
			"key":    key,
		}).Warn("cache_put_failed")
	}

	copyResponseHeaders(c, resp.Header)
	return h.serveSnapshot(c, &snapshot, false, requestID, started)
}

// passThrough 将请求原样转发到网络，既不读缓存也不写缓存。
func (h *Handler) passThrough(
	c fiber.Ctx,
	ctx context.Context,
	target *url.URL,
	requestID string,
	started time.Time,
) error {
	req, err := h.buildUpstreamRequest(c, ctx, target, bytesReader(c.Body()))
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c, requestID, 0, false, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	h.setServeHeaders(c, false, requestID)
	c.Status(resp.StatusCode)

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "proxy stream failed")
	}
	return nil
}

func (h *Handler) serveSnapshot(
	c fiber.Ctx,
	snapshot *cache.Snapshot,
	cacheHit bool,
	requestID string,
	started time.Time,
) error {
	if snapshot.ContentType != "" {
		c.Set("Content-Type", snapshot.ContentType)
	}
	h.setServeHeaders(c, cacheHit, requestID)
	c.Status(snapshot.Status)

	var err error
	if c.Method() != http.MethodHead {
		_, err = c.Response().BodyWriter().Write(snapshot.Body)
	}
	h.logResult(c, requestID, snapshot.Status, cacheHit, started, err)
	return err
}

func (h *Handler) setServeHeaders(c fiber.Ctx, cacheHit bool, requestID string) {
	c.Set("X-Offline-Hub-Upstream", h.origin.String())
	if cacheHit {
		c.Set("X-Offline-Hub-Cache-Hit", "true")
	} else {
		c.Set("X-Offline-Hub-Cache-Hit", "false")
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) executeRequest(c fiber.Ctx, ctx context.Context, target *url.URL) (*http.Response, error) {
	req, err := h.buildUpstreamRequest(c, ctx, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

func (h *Handler) buildUpstreamRequest(
	c fiber.Ctx,
	ctx context.Context,
	target *url.URL,
	body io.Reader,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) logResult(
	c fiber.Ctx,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.ServeFields(requestPath(c), cacheHit, status)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("serve_failed")
		return
	}
	h.logger.WithFields(fields).Info("serve_complete")
}

// resolveTarget 计算回源地址。绝对形式且指向他源的请求视为跨源透传。
func (h *Handler) resolveTarget(c fiber.Ctx) (*url.URL, bool) {
	raw := requestPath(c)
	if parsed, err := url.Parse(raw); err == nil && parsed.IsAbs() {
		sameOrigin := parsed.Scheme == h.origin.Scheme && parsed.Host == h.origin.Host
		return parsed, sameOrigin
	}

	relative := &url.URL{Path: raw}
	if query := string(c.Request().URI().QueryString()); query != "" {
		relative.RawQuery = query
	}
	return h.origin.ResolveReference(relative), true
}

// isSafeRead 只放行 GET/HEAD，带副作用的方法绝不能被拦截进缓存。
func isSafeRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// isNavigation 判断请求是否为整页导航，决定兜底时能否回退根文档。
func isNavigation(c fiber.Ctx) bool {
	if c.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(c.Get("Accept"), "text/html")
}

// cacheKey 以路径加查询串作为请求键，与存储层的哈希文件名解耦。
func cacheKey(c fiber.Ctx) string {
	key := requestPath(c)
	if query := string(c.Request().URI().QueryString()); query != "" {
		key += "?" + query
	}
	return key
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
