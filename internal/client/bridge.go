// Package client 实现客户端桥接层：每个 UI 上下文经由一座 Bridge 与共享的
// 后台进程交互，发出类型化命令并订阅类型化广播。
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/agent"
	"github.com/offline-hub/offline-hub/internal/bus"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/protocol"
)

// Bridge 是单个客户端上下文的出入口。所有出站意图都汇入唯一的
// sendCommand，保证每次命令发出都有统一日志。
type Bridge struct {
	logger       *logrus.Logger
	agent        *agent.Agent
	bus          *bus.Bus
	id           string
	identity     string
	pingInterval time.Duration

	mu       sync.Mutex
	attached bool
	done     chan struct{}
}

// NewBridge 构造桥接层。identity 为持久化身份令牌，pingInterval 控制
// 周期性活性探测。
func NewBridge(logger *logrus.Logger, a *agent.Agent, identity string, pingInterval time.Duration) *Bridge {
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &Bridge{
		logger:       logger,
		agent:        a,
		bus:          bus.New(logger),
		id:           uuid.NewString(),
		identity:     identity,
		pingInterval: pingInterval,
	}
}

// ID 返回本上下文的注册标识。
func (b *Bridge) ID() string {
	return b.id
}

// Bus 暴露本上下文的事件总线，UI 消费方在此订阅广播主题。
func (b *Bridge) Bus() *bus.Bus {
	return b.bus
}

// Attach 向后台进程登记本上下文：注册通道端点、发送携带身份令牌的
// connect 命令，并启动固定间隔的活性 Ping。
func (b *Bridge) Attach(ctx context.Context) {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return
	}
	b.attached = true
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	client := b.agent.Registry().Attach(b.id)
	go b.consume(client)

	b.sendCommand(ctx, protocol.Command{
		Type:     protocol.CommandConnect,
		ClientID: b.identity,
	})

	go b.pingLoop(ctx, done)
}

// Detach 注销通道端点、停止活性探测并清空事件总线。
func (b *Bridge) Detach() {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return
	}
	b.attached = false
	close(b.done)
	b.mu.Unlock()

	b.agent.Registry().Detach(b.id)
	b.bus.Clear()
}

// Foreground 在上下文回到前台时立即补发一次活性 Ping。
func (b *Bridge) Foreground(ctx context.Context) {
	b.sendCommand(ctx, protocol.Command{Type: protocol.CommandPing})
}

// SendMessage 发出一条聊天消息命令。
func (b *Bridge) SendMessage(ctx context.Context, content string) {
	b.sendCommand(ctx, protocol.Command{
		Type:    protocol.CommandMessage,
		Content: content,
	})
}

// UpdateCache 请求后台进程刷新缓存清单。
func (b *Bridge) UpdateCache(ctx context.Context) {
	b.sendCommand(ctx, protocol.Command{Type: protocol.CommandUpdateCache})
}

// ReportNetworkStatus 上报浏览器侧的在线状态变化。
func (b *Bridge) ReportNetworkStatus(ctx context.Context, online bool) {
	b.sendCommand(ctx, protocol.Command{
		Type:   protocol.CommandNetworkStatus,
		Online: online,
	})
}

// Disconnect 显式请求断开中继连接。
func (b *Bridge) Disconnect(ctx context.Context) {
	b.sendCommand(ctx, protocol.Command{Type: protocol.CommandDisconnect})
}

// sendCommand 是唯一的命令出口，所有出站命令在此统一记录后交给后台进程。
func (b *Bridge) sendCommand(ctx context.Context, cmd protocol.Command) {
	b.logger.WithFields(logging.CommandFields(string(cmd.Type), b.id)).Debug("command_sent")
	b.agent.HandleCommand(ctx, b.id, cmd)
}

// consume 把通道端点上收到的广播转投到本上下文的事件总线。
func (b *Bridge) consume(client *agent.ClientContext) {
	for envelope := range client.Events {
		b.bus.Emit(string(envelope.Type), envelope)
	}
}

// pingLoop 以固定间隔发送活性 Ping，Detach 后随 done 退出。
func (b *Bridge) pingLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sendCommand(ctx, protocol.Command{Type: protocol.CommandPing})
		case <-done:
			return
		}
	}
}
