package agent

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/protocol"
)

// eventBuffer 是单个客户端上下文的投递缓冲大小，写满视为消费方过慢。
const eventBuffer = 16

// ClientContext 代表一个已附着的 UI 上下文。Events 即其通道端点，
// 上下文在 Attach 时创建，Detach 时销毁。closed 与通道关闭在同一把锁下
// 翻转，投递方据此判定端点是否仍然可写。
type ClientContext struct {
	ID     string
	Events chan protocol.Envelope

	mu     sync.Mutex
	closed bool
}

// Registry 维护 id → 通道端点的查找表。它只做查找，从不拥有客户端
// 上下文的生命周期；条目在 Detach 或投递失败时被剪除。
type Registry struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*ClientContext
}

// NewRegistry 构造空注册表。
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		logger:  logger,
		clients: make(map[string]*ClientContext),
	}
}

// Attach 登记一个客户端上下文并返回其通道端点。
func (r *Registry) Attach(id string) *ClientContext {
	client := &ClientContext{
		ID:     id,
		Events: make(chan protocol.Envelope, eventBuffer),
	}

	r.mu.Lock()
	r.clients[id] = client
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"action":    "attach",
		"client_id": id,
	}).Info("client_attached")
	return client
}

// Detach 注销客户端上下文并关闭其通道端点，重复调用无副作用。
// 关闭动作持有该上下文自己的锁，与在途投递互斥，保证已被 Broadcast/Send
// 快照到的端点不会在发送途中被关闭。
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	client, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	client.mu.Lock()
	if !client.closed {
		client.closed = true
		close(client.Events)
	}
	client.mu.Unlock()
	r.logger.WithFields(logrus.Fields{
		"action":    "detach",
		"client_id": id,
	}).Info("client_detached")
}

// Send 向指定客户端点对点投递，目标不存在或缓冲已满时返回 false。
func (r *Registry) Send(id string, envelope protocol.Envelope) bool {
	r.mu.RLock()
	client, ok := r.clients[id]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return r.deliver(client, envelope)
}

// Broadcast 将消息扇出给所有客户端；exclude 非空时跳过该来源（回环抑制）。
func (r *Registry) Broadcast(envelope protocol.Envelope, exclude string) {
	r.mu.RLock()
	targets := make([]*ClientContext, 0, len(r.clients))
	for id, client := range r.clients {
		if exclude != "" && id == exclude {
			continue
		}
		targets = append(targets, client)
	}
	r.mu.RUnlock()

	for _, client := range targets {
		r.deliver(client, envelope)
	}
}

// Count 返回当前附着的客户端数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// deliver 非阻塞投递；缓冲写满只记录并丢弃，绝不阻塞共享的分发流程。
// 在上下文自己的锁下检查 closed 后再发送，已 Detach 的端点静默丢弃，
// 不会向已关闭的通道发送。
func (r *Registry) deliver(client *ClientContext, envelope protocol.Envelope) bool {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return false
	}

	select {
	case client.Events <- envelope:
		return true
	default:
		r.logger.WithFields(logrus.Fields{
			"action":    "deliver",
			"client_id": client.ID,
			"type":      string(envelope.Type),
		}).Warn("client_buffer_full")
		return false
	}
}
