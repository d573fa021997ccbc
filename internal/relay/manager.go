package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/protocol"
)

// State 表示中继连接的生命周期阶段。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrNotConnected 表示当前没有可用连接，Send 不排队也不抛出，仅返回该错误。
var ErrNotConnected = errors.New("relay not connected")

// Conn 抽象一条已建立的双工通道，gorilla/websocket 的 *Conn 天然满足。
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer 负责建立到中继端点的连接，测试中可注入假实现。
type Dialer interface {
	Dial(endpoint string) (Conn, error)
}

// DialerFunc 将函数适配为 Dialer。
type DialerFunc func(endpoint string) (Conn, error)

// Dial 使 DialerFunc 满足 Dialer。
func (f DialerFunc) Dial(endpoint string) (Conn, error) {
	return f(endpoint)
}

// NewWebsocketDialer 返回基于 gorilla/websocket 默认 Dialer 的实现。
func NewWebsocketDialer(timeout time.Duration) Dialer {
	return DialerFunc(func(endpoint string) (Conn, error) {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = timeout
		conn, _, err := dialer.Dial(endpoint, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Endpoint 从源站地址推导中继端点，保持加密与明文传输的对应关系：
// https → wss，http → ws。
func Endpoint(origin, path string) (string, error) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported origin scheme: %s", parsed.Scheme)
	}
	parsed.Path = path
	parsed.RawQuery = ""
	return parsed.String(), nil
}

// Options 汇总构造 Manager 所需的全部依赖。
type Options struct {
	Endpoint       string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Dialer         Dialer
	Logger         *logrus.Logger
	Sink           func(protocol.Envelope)
}

// Manager 独占唯一的出站中继连接，维护 Disconnected → Connecting → Connected
// 状态机与自动重连定时器。入站帧统一交给 Sink 广播，自身不关心消费方。
type Manager struct {
	endpoint       string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dialer         Dialer
	logger         *logrus.Logger
	sink           func(protocol.Envelope)

	mu         sync.Mutex
	writeMu    sync.Mutex
	state      State
	conn       Conn
	closing    bool
	reconnect  *time.Timer
	generation int
}

// NewManager 构造连接管理器，初始状态为 Disconnected。
func NewManager(opts Options) (*Manager, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("relay endpoint required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer required")
	}
	if opts.Sink == nil {
		return nil, errors.New("broadcast sink required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Manager{
		endpoint:       opts.Endpoint,
		reconnectDelay: opts.ReconnectDelay,
		pingInterval:   opts.PingInterval,
		dialer:         opts.Dialer,
		logger:         opts.Logger,
		sink:           opts.Sink,
		state:          StateDisconnected,
	}, nil
}

// State 返回当前连接状态，供诊断接口读取。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect 建立中继连接。已处于 Connecting/Connected 时为幂等空操作，
// 不会重复拨号，也不会重复广播状态。
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.cancelReconnectLocked()
	m.closing = false
	m.state = StateConnecting
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	m.logger.WithFields(logging.RelayFields("relay_dial", string(StateConnecting))).
		WithField("endpoint", m.endpoint).Info("relay_connecting")

	conn, err := m.dialer.Dial(m.endpoint)
	if err != nil {
		m.mu.Lock()
		superseded := m.closing || m.generation != generation
		if !superseded {
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		// 本次尝试已被显式 Disconnect 取代，错误既不广播也不改状态。
		if superseded {
			return
		}

		m.logger.WithError(err).
			WithFields(logging.RelayFields("relay_dial", string(StateDisconnected))).
			Warn("relay_dial_failed")
		// 拨号失败只广播错误，不自动重连；重连仅由异常关闭码驱动。
		m.sink(protocol.Envelope{Type: protocol.EnvelopeError, Error: err.Error()})
		return
	}

	m.mu.Lock()
	if m.closing || m.generation != generation {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	done := make(chan struct{})
	m.mu.Unlock()

	m.logger.WithFields(logging.RelayFields("relay_dial", string(StateConnected))).Info("relay_connected")
	m.sink(protocol.Envelope{Type: protocol.EnvelopeStatus, Connected: protocol.Bool(true)})

	go m.keepalive(conn, done)
	go m.readLoop(conn, generation, done)
}

// Disconnect 取消挂起的重连定时器、关闭连接并立即进入 Disconnected。
// 显式断开是终态，之后不会有任何隐式重连。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelReconnectLocked()
	m.closing = true
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.generation++
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.logger.WithFields(logging.RelayFields("relay_disconnect", string(StateDisconnected))).Info("relay_disconnected")
	if wasConnected {
		m.sink(protocol.Envelope{
			Type:        protocol.EnvelopeStatus,
			Connected:   protocol.Bool(false),
			CloseCode:   websocket.CloseNormalClosure,
			CloseReason: CloseReason(websocket.CloseNormalClosure),
		})
	}
}

// Send 序列化并发送一条消息。未连接时返回 ErrNotConnected，不排队不恐慌。
func (m *Manager) Send(payload protocol.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode relay payload: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 消费入站帧：合法 JSON 交给 Sink 广播，畸形帧丢弃并记录，
// 连接保持打开。读错误统一走关闭处理。
func (m *Manager) readLoop(conn Conn, generation int, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(generation, err)
			return
		}

		var inbound protocol.Envelope
		if err := json.Unmarshal(data, &inbound); err != nil {
			m.logger.WithError(err).
				WithFields(logging.RelayFields("relay_read", string(StateConnected))).
				Warn("relay_frame_malformed")
			continue
		}
		m.sink(inbound)
	}
}

// keepalive 周期性发送 ping 控制帧，连接关闭后随 done 退出。
func (m *Manager) keepalive(conn Conn, done chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.WithError(err).
					WithFields(logging.RelayFields("relay_keepalive", string(StateConnected))).
					Warn("relay_ping_failed")
				return
			}
		case <-done:
			return
		}
	}
}

// handleClose 将读错误翻译为关闭码，广播断开状态，并按重连策略调度。
func (m *Manager) handleClose(generation int, cause error) {
	code := websocket.CloseAbnormalClosure
	reason := ""
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	}
	if reason == "" {
		reason = CloseReason(code)
	}

	m.mu.Lock()
	if m.closing || m.generation != generation {
		// 显式断开或已被新连接取代，关闭事件由主动方负责。
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.WithFields(logging.RelayFields("relay_close", string(StateDisconnected))).
		WithFields(logrus.Fields{"close_code": code, "close_reason": reason}).
		Warn("relay_closed")

	m.sink(protocol.Envelope{
		Type:        protocol.EnvelopeStatus,
		Connected:   protocol.Bool(false),
		CloseCode:   code,
		CloseReason: reason,
	})

	if shouldReconnect(code) {
		m.scheduleReconnect()
	}
}

// scheduleReconnect 在固定延迟后重新 Connect；先取消挂起的定时器，
// 保证任意时刻至多一个待触发的重连。
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelReconnectLocked()
	m.logger.WithFields(logging.RelayFields("relay_reconnect", string(m.state))).
		WithField("delay", m.reconnectDelay.String()).Info("relay_reconnect_scheduled")
	m.reconnect = time.AfterFunc(m.reconnectDelay, m.Connect)
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// HasPendingReconnect 报告是否存在挂起的重连定时器，仅用于测试与诊断。
func (m *Manager) HasPendingReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect != nil
}
