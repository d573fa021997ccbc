package agent

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/protocol"
)

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRegistry(logger)
}

func TestAttachDetachLifecycle(t *testing.T) {
	r := newTestRegistry()

	client := r.Attach("c1")
	if r.Count() != 1 {
		t.Fatalf("expected 1 client, got %d", r.Count())
	}

	r.Detach("c1")
	if r.Count() != 0 {
		t.Fatalf("expected 0 clients after detach, got %d", r.Count())
	}

	// 通道端点随 Detach 关闭。
	if _, ok := <-client.Events; ok {
		t.Fatalf("detach 后通道应已关闭")
	}

	// 重复 Detach 无副作用。
	r.Detach("c1")
	r.Detach("unknown")
}

func TestSendToUnknownClientReturnsFalse(t *testing.T) {
	r := newTestRegistry()

	if r.Send("ghost", protocol.Envelope{Type: protocol.EnvelopePong}) {
		t.Fatalf("向不存在的客户端投递应返回 false")
	}
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	r := newTestRegistry()
	client := r.Attach("slow")

	for i := 0; i < eventBuffer; i++ {
		if !r.Send("slow", protocol.Envelope{Type: protocol.EnvelopeMessage}) {
			t.Fatalf("第 %d 次投递不应失败", i)
		}
	}

	// 缓冲写满：丢弃而非阻塞。
	if r.Send("slow", protocol.Envelope{Type: protocol.EnvelopeMessage}) {
		t.Fatalf("缓冲写满时投递应失败")
	}
	if len(client.Events) != eventBuffer {
		t.Fatalf("缓冲内容不应被覆盖: %d", len(client.Events))
	}
}

func TestBroadcastConcurrentWithDetach(t *testing.T) {
	r := newTestRegistry()

	stop := make(chan struct{})
	var broadcasters sync.WaitGroup
	for i := 0; i < 4; i++ {
		broadcasters.Add(1)
		go func() {
			defer broadcasters.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Broadcast(protocol.Envelope{Type: protocol.EnvelopeMessage}, "")
				}
			}
		}()
	}

	// 附着/剥离持续翻滚；Detach 关闭通道时若与在途投递竞争，
	// 向已关闭通道的发送会使整个进程崩溃。
	var churners sync.WaitGroup
	for i := 0; i < 4; i++ {
		churners.Add(1)
		go func(worker int) {
			defer churners.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("client-%d-%d", worker, j)
				client := r.Attach(id)
				select {
				case <-client.Events:
				default:
				}
				r.Detach(id)
			}
		}(i)
	}

	churners.Wait()
	close(stop)
	broadcasters.Wait()

	if r.Count() != 0 {
		t.Fatalf("翻滚结束后注册表应为空: %d", r.Count())
	}
}

func TestDeliverAfterDetachIsDropped(t *testing.T) {
	r := newTestRegistry()
	client := r.Attach("c1")

	// 模拟广播方已快照端点、随后上下文剥离的交错。
	r.Detach("c1")
	if r.deliver(client, protocol.Envelope{Type: protocol.EnvelopeMessage}) {
		t.Fatalf("已剥离的端点必须静默丢弃投递")
	}
}

func TestBroadcastExcludesNamedClient(t *testing.T) {
	r := newTestRegistry()
	origin := r.Attach("origin")
	other := r.Attach("other")

	r.Broadcast(protocol.Envelope{Type: protocol.EnvelopeMessage, Content: "fanout"}, "origin")

	if len(origin.Events) != 0 {
		t.Fatalf("被排除的来源不应收到广播")
	}
	if len(other.Events) != 1 {
		t.Fatalf("其余客户端应收到广播: %d", len(other.Events))
	}
}
