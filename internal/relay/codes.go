package relay

import "fmt"

// closeCodeText 收录常见关闭码的可读描述，未知码走 Unknown 格式化。
var closeCodeText = map[int]string{
	1000: "Normal Closure",
	1001: "Going Away",
	1002: "Protocol Error",
	1003: "Unsupported Data",
	1005: "No Status Received",
	1006: "Abnormal Closure",
	1007: "Invalid Frame Payload Data",
	1008: "Policy Violation",
	1009: "Message Too Big",
	1010: "Missing Extension",
	1011: "Internal Error",
	1012: "Service Restart",
	1013: "Try Again Later",
	1015: "TLS Handshake",
}

// CloseReason 返回关闭码的人类可读描述。
func CloseReason(code int) string {
	if text, ok := closeCodeText[code]; ok {
		return text
	}
	return fmt.Sprintf("Unknown (%d)", code)
}

// shouldReconnect 只在异常/非计划终止时为真：1006 表示未收到关闭帧，
// 1001 表示对端即将离线。正常关闭绝不触发自动重连，避免重连风暴。
func shouldReconnect(code int) bool {
	return code == 1006 || code == 1001
}
