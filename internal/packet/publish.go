package packet

import (
	"encoding/json"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
)

// NewDispatchPacket 构造 {op:0, t, s, d}, data 原样转发
func NewDispatchPacket(eventType string, seq int64, data json.RawMessage) ([]byte, error) {
	return newFrame(protocol.OpDispatch, &eventType, &seq, data)
}
