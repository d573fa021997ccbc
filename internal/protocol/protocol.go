// Package protocol 定义客户端上下文与后台进程之间的消息契约：
// 入站 Command 与出站 Envelope。两者均为不可变值，序列化格式为 JSON。
package protocol

// CommandType 是命令的判别字段。
type CommandType string

const (
	CommandConnect       CommandType = "connect"
	CommandDisconnect    CommandType = "disconnect"
	CommandMessage       CommandType = "message"
	CommandUpdateCache   CommandType = "updateCache"
	CommandPing          CommandType = "ping"
	CommandNetworkStatus CommandType = "networkStatus"
)

// Command 是客户端上下文发给后台进程的类型化指令。
type Command struct {
	Type     CommandType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
	Content  string      `json:"content,omitempty"`
	Online   bool        `json:"online,omitempty"`
}

// EnvelopeType 是广播/回执消息的判别字段。
type EnvelopeType string

const (
	EnvelopeStatus            EnvelopeType = "status"
	EnvelopeMessage           EnvelopeType = "message"
	EnvelopePong              EnvelopeType = "pong"
	EnvelopeCacheUpdated      EnvelopeType = "cacheUpdated"
	EnvelopeCacheUpdateFailed EnvelopeType = "cacheUpdateFailed"
	EnvelopeError             EnvelopeType = "error"
)

// Envelope 是后台进程推送给客户端上下文的出站消息。
type Envelope struct {
	Type        EnvelopeType `json:"type"`
	Connected   *bool        `json:"connected,omitempty"`
	CloseCode   int          `json:"closeCode,omitempty"`
	CloseReason string       `json:"closeReason,omitempty"`
	Content     string       `json:"content,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Bool 返回指向布尔值的指针，便于构造 status Envelope。
func Bool(v bool) *bool {
	return &v
}
