// Package agent 实现后台中介进程：它是所有客户端上下文共享的唯一协调点，
// 把生命周期事件接到缓存管理器，把客户端命令接到中继连接管理器。
package agent

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/protocol"
	"github.com/offline-hub/offline-hub/internal/relay"
)

// RelayController 抽象中继连接管理器，测试中可注入假实现。
type RelayController interface {
	Connect()
	Disconnect()
	Send(payload protocol.Envelope) error
	State() relay.State
}

// CacheLifecycle 抽象缓存管理器中生命周期与命令分发所需的最小面，
// *cache.Manager 天然满足，测试中可注入假实现。
type CacheLifecycle interface {
	Install(ctx context.Context) (*cache.ManifestReport, error)
	UpdateCache(ctx context.Context) (*cache.ManifestReport, error)
	Cleanup(ctx context.Context) error
	ActiveVersion() string
}

type commandHandler func(ctx context.Context, origin string, cmd protocol.Command)

// Agent 持有缓存管理器与中继连接管理器的独占引用。分发表在构造时固定，
// 之后不再变更。
type Agent struct {
	logger   *logrus.Logger
	manager  CacheLifecycle
	relay    RelayController
	registry *Registry
	dispatch map[protocol.CommandType]commandHandler
}

// New 构造中介进程实例。每个进程只应存在一个。
func New(logger *logrus.Logger, manager CacheLifecycle, relayCtl RelayController) *Agent {
	a := &Agent{
		logger:   logger,
		manager:  manager,
		relay:    relayCtl,
		registry: NewRegistry(logger),
	}

	a.dispatch = map[protocol.CommandType]commandHandler{
		protocol.CommandConnect:       a.handleConnect,
		protocol.CommandDisconnect:    a.handleDisconnect,
		protocol.CommandNetworkStatus: a.handleNetworkStatus,
		protocol.CommandMessage:       a.handleMessage,
		protocol.CommandPing:          a.handlePing,
		protocol.CommandUpdateCache:   a.handleUpdateCache,
	}
	return a
}

// Registry 暴露客户端注册表，供客户端桥接层附着/剥离。
func (a *Agent) Registry() *Registry {
	return a.registry
}

// Install 执行安装生命周期：预取清单资源后立即强制激活，不等待旧实例
// 退出——下一个事件必须取代此前缓存的内容。
func (a *Agent) Install(ctx context.Context) error {
	report, err := a.manager.Install(ctx)
	if err != nil {
		return fmt.Errorf("install cache: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"action":    "install",
		"version":   a.manager.ActiveVersion(),
		"attempted": report.Attempted,
		"failed":    len(report.Failed),
	}).Info("install_complete_activating")
	return nil
}

// Activate 执行激活生命周期：清理被取代的旧代次，并接管当前所有已附着的
// 客户端上下文，使后续被拦截的请求立即由本代次服务。
func (a *Agent) Activate(ctx context.Context) error {
	if err := a.manager.Cleanup(ctx); err != nil {
		return fmt.Errorf("cleanup cache: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"version": a.manager.ActiveVersion(),
		"claimed": a.registry.Count(),
	}).Info("activate_complete")
	return nil
}

// HandleCommand 按判别字段查表分发命令。未知命令记录后丢弃，任何处理器
// 的 panic 都被就地捕获，绝不让分发循环崩溃。
func (a *Agent) HandleCommand(ctx context.Context, origin string, cmd protocol.Command) {
	handler, ok := a.dispatch[cmd.Type]
	if !ok {
		a.logger.WithFields(logging.CommandFields(string(cmd.Type), origin)).Warn("command_unknown")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logging.CommandFields(string(cmd.Type), origin)).
				WithField("panic", r).Error("command_panicked")
		}
	}()

	a.logger.WithFields(logging.CommandFields(string(cmd.Type), origin)).Debug("command_dispatched")
	handler(ctx, origin, cmd)
}

// BroadcastInbound 是中继连接的广播汇点：入站消息原样扇出给全部客户端。
func (a *Agent) BroadcastInbound(envelope protocol.Envelope) {
	a.registry.Broadcast(envelope, "")
}

func (a *Agent) handleConnect(_ context.Context, origin string, cmd protocol.Command) {
	if cmd.ClientID != "" {
		a.logger.WithFields(logging.CommandFields(string(cmd.Type), origin)).
			WithField("identity", cmd.ClientID).Info("client_identified")
	}
	a.relay.Connect()
}

func (a *Agent) handleDisconnect(_ context.Context, _ string, _ protocol.Command) {
	a.relay.Disconnect()
}

// handleNetworkStatus 把 online/offline 当作 connect/disconnect 的别名处理。
func (a *Agent) handleNetworkStatus(_ context.Context, _ string, cmd protocol.Command) {
	if cmd.Online {
		a.relay.Connect()
		return
	}
	a.relay.Disconnect()
}

// handleMessage 构造聊天消息负载并发送到中继；发送成功后扇出给除来源外
// 的所有客户端（回环抑制）。
func (a *Agent) handleMessage(_ context.Context, origin string, cmd protocol.Command) {
	payload := protocol.Envelope{
		Type:    protocol.EnvelopeMessage,
		Content: cmd.Content,
	}

	if err := a.relay.Send(payload); err != nil {
		a.logger.WithError(err).
			WithFields(logging.CommandFields(string(cmd.Type), origin)).
			Warn("relay_send_failed")
		return
	}
	a.registry.Broadcast(payload, origin)
}

// handlePing 的回执只发给来源上下文，活性探测是点对点而非扇出。
func (a *Agent) handlePing(_ context.Context, origin string, _ protocol.Command) {
	a.registry.Send(origin, protocol.Envelope{Type: protocol.EnvelopePong})
}

// handleUpdateCache 刷新缓存并把结果作为类型化回执发回来源；任何内部
// 失败都被转换为 cacheUpdateFailed，不会越过进程边界抛出。
func (a *Agent) handleUpdateCache(ctx context.Context, origin string, cmd protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			a.registry.Send(origin, protocol.Envelope{
				Type:  protocol.EnvelopeCacheUpdateFailed,
				Error: fmt.Sprint(r),
			})
			a.logger.WithFields(logging.CommandFields(string(cmd.Type), origin)).
				WithField("panic", r).Error("update_cache_panicked")
		}
	}()

	if _, err := a.manager.UpdateCache(ctx); err != nil {
		a.registry.Send(origin, protocol.Envelope{
			Type:  protocol.EnvelopeCacheUpdateFailed,
			Error: err.Error(),
		})
		return
	}
	a.registry.Send(origin, protocol.Envelope{Type: protocol.EnvelopeCacheUpdated})
}
