// Package bus 提供客户端上下文内部使用的同步发布/订阅。Emit 按注册顺序
// 依次调用处理器，单个处理器的失败被就地吞掉并记录，不影响其余处理器，
// 也不会传播给发布方。
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler 处理一次主题投递。
type Handler func(payload interface{})

type subscription struct {
	id      int
	handler Handler
	once    bool
}

// Bus 是按主题组织的同步事件总线。
type Bus struct {
	logger *logrus.Logger

	mu     sync.Mutex
	nextID int
	topics map[string][]*subscription
}

// New 构造空总线。
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		logger: logger,
		topics: make(map[string][]*subscription),
	}
}

// On 注册一个主题处理器，返回可用于注销的句柄。
func (b *Bus) On(topic string, handler Handler) func() {
	return b.register(topic, handler, false)
}

// Once 注册一次性处理器，首次触发后自动注销。
func (b *Bus) Once(topic string, handler Handler) func() {
	return b.register(topic, handler, true)
}

func (b *Bus) register(topic string, handler Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, once: once}
	b.topics[topic] = append(b.topics[topic], sub)

	id := sub.id
	return func() { b.remove(topic, id) }
}

// Emit 同步触发主题下的全部处理器。处理器内部的 panic 被捕获并记录，
// 保证后续处理器仍然执行。
func (b *Bus) Emit(topic string, payload interface{}) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.once {
			b.remove(topic, sub.id)
		}
		b.invoke(topic, sub, payload)
	}
}

// Clear 移除所有主题的所有处理器，用于上下文销毁。
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string][]*subscription)
}

func (b *Bus) invoke(topic string, sub *subscription, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"action": "emit",
				"topic":  topic,
				"panic":  r,
			}).Error("handler_failed")
		}
	}()
	sub.handler(payload)
}

func (b *Bus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
