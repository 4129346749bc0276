package packet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
)

var heartbeatAck = mustFrame(protocol.OpHeartbeatAck, nil)

func NewHeartbeatAckPacket() []byte {
	return heartbeatAck
}

// NewHeartbeatRequestPacket 服务端主动要求客户端立即发送心跳
func NewHeartbeatRequestPacket() []byte {
	return mustFrame(protocol.OpHeartbeat, nil)
}

func NewHelloPacket(interval time.Duration) []byte {
	return mustFrame(protocol.OpHello, map[string]int64{"heartbeat_interval": interval.Milliseconds()})
}

// ParseHeartbeatPacket 返回客户端确认的最后序号, d 为 null 时返回 nil
func ParseHeartbeatPacket(d json.RawMessage) (*int64, error) {
	if isNull(d) {
		return nil, nil
	}
	var seq int64
	if err := json.Unmarshal(d, &seq); err != nil {
		return nil, fmt.Errorf("%w: heartbeat payload: %v", ErrDecode, err)
	}
	return &seq, nil
}
