package client

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/agent"
	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/protocol"
	"github.com/offline-hub/offline-hub/internal/relay"
)

type stubRelay struct {
	mu       sync.Mutex
	connects int
	sent     []protocol.Envelope
}

func (s *stubRelay) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
}

func (s *stubRelay) Disconnect() {}

func (s *stubRelay) Send(payload protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *stubRelay) State() relay.State { return relay.StateConnected }

func (s *stubRelay) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type stubCache struct{}

func (stubCache) Install(context.Context) (*cache.ManifestReport, error) {
	return &cache.ManifestReport{}, nil
}

func (stubCache) UpdateCache(context.Context) (*cache.ManifestReport, error) {
	return &cache.ManifestReport{}, nil
}

func (stubCache) Cleanup(context.Context) error { return nil }

func (stubCache) ActiveVersion() string { return "shell-v1" }

func newBridgeFixture(t *testing.T) (*Bridge, *stubRelay, *agent.Agent) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	relayCtl := &stubRelay{}
	hub := agent.New(logger, stubCache{}, relayCtl)
	bridge := NewBridge(logger, hub, "identity-token", time.Hour)
	return bridge, relayCtl, hub
}

func TestAttachSendsConnectWithIdentity(t *testing.T) {
	bridge, relayCtl, _ := newBridgeFixture(t)
	defer bridge.Detach()

	bridge.Attach(context.Background())

	if relayCtl.connectCount() != 1 {
		t.Fatalf("Attach 应发出一条 connect 命令: %d", relayCtl.connectCount())
	}

	// 重复 Attach 是幂等的。
	bridge.Attach(context.Background())
	if relayCtl.connectCount() != 1 {
		t.Fatalf("重复 Attach 不应重复 connect: %d", relayCtl.connectCount())
	}
}

func TestForegroundPingDeliversPongOnBus(t *testing.T) {
	bridge, _, _ := newBridgeFixture(t)
	defer bridge.Detach()
	bridge.Attach(context.Background())

	pong := make(chan protocol.Envelope, 1)
	bridge.Bus().Once(string(protocol.EnvelopePong), func(payload interface{}) {
		if envelope, ok := payload.(protocol.Envelope); ok {
			pong <- envelope
		}
	})

	bridge.Foreground(context.Background())

	select {
	case envelope := <-pong:
		if envelope.Type != protocol.EnvelopePong {
			t.Fatalf("expected pong, got %+v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pong")
	}
}

func TestSendMessageForwardsToRelay(t *testing.T) {
	bridge, relayCtl, _ := newBridgeFixture(t)
	defer bridge.Detach()
	bridge.Attach(context.Background())

	bridge.SendMessage(context.Background(), "hello")

	relayCtl.mu.Lock()
	defer relayCtl.mu.Unlock()
	if len(relayCtl.sent) != 1 || relayCtl.sent[0].Content != "hello" {
		t.Fatalf("消息应转发到中继: %+v", relayCtl.sent)
	}
}

func TestDetachUnregistersContext(t *testing.T) {
	bridge, _, hub := newBridgeFixture(t)
	bridge.Attach(context.Background())

	if hub.Registry().Count() != 1 {
		t.Fatalf("expected 1 attached context, got %d", hub.Registry().Count())
	}

	bridge.Detach()
	if hub.Registry().Count() != 0 {
		t.Fatalf("Detach 后注册表应为空: %d", hub.Registry().Count())
	}

	// 重复 Detach 无副作用。
	bridge.Detach()
}
