// Package packet 负责网关帧的解析与构造
package packet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
)

// ErrDecode 客户端帧无法解析, 网关以 4002 关闭连接
var ErrDecode = errors.New("decode error")

// ClientFrame 客户端上行帧 {op, d}
type ClientFrame struct {
	Op protocol.OpCode
	D  json.RawMessage
}

type rawClientFrame struct {
	Op *protocol.OpCode `json:"op"`
	D  json.RawMessage  `json:"d"`
}

// ParseFrame 解析客户端上行帧, 缺少 op 视为解析失败
func ParseFrame(data []byte) (*ClientFrame, error) {
	var raw rawClientFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw.Op == nil {
		return nil, fmt.Errorf("%w: missing op", ErrDecode)
	}
	return &ClientFrame{Op: *raw.Op, D: raw.D}, nil
}

func isNull(d json.RawMessage) bool {
	return len(d) == 0 || string(d) == "null"
}

// decodePayload 将 d 解析到 v, d 为空时返回解析错误
func decodePayload(op protocol.OpCode, d json.RawMessage, v any) error {
	if isNull(d) {
		return fmt.Errorf("%w: %s payload is empty", ErrDecode, op)
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrDecode, op, err)
	}
	return nil
}

func newFrame(op protocol.OpCode, t *string, s *int64, d any) ([]byte, error) {
	var raw json.RawMessage
	switch v := d.(type) {
	case json.RawMessage:
		raw = v
	case nil:
		raw = json.RawMessage("null")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
		raw = data
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(protocol.Frame{Op: op, T: t, S: s, D: raw})
}

// mustFrame 用于负载为固定结构、不可能编码失败的帧
func mustFrame(op protocol.OpCode, d any) []byte {
	frame, err := newFrame(op, nil, nil, d)
	if err != nil {
		panic(err)
	}
	return frame
}
