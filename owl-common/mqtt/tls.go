package mqtt

import (
	"strings"
)

// secureBroker 将明文 scheme 替换为对应的 TLS scheme
func secureBroker(broker string) string {
	switch {
	case strings.HasPrefix(broker, "tcp://"):
		return "ssl://" + strings.TrimPrefix(broker, "tcp://")
	case strings.HasPrefix(broker, "mqtt://"):
		return "ssl://" + strings.TrimPrefix(broker, "mqtt://")
	case strings.HasPrefix(broker, "ws://"):
		return "wss://" + strings.TrimPrefix(broker, "ws://")
	case strings.Contains(broker, "://"):
		return broker
	default:
		return "ssl://" + broker
	}
}
