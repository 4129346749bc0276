// Package protocol 定义网关协议的操作码、关闭码与 intent 位
package protocol

import (
	"encoding/json"
	"strconv"
)

// OpCode 网关帧操作码
type OpCode int

const (
	OpDispatch            OpCode = 0  // 服务端推送事件
	OpHeartbeat           OpCode = 1  // 心跳
	OpIdentify            OpCode = 2  // 客户端鉴权
	OpStatusUpdate        OpCode = 3  // 在线状态更新
	OpResume              OpCode = 6  // 会话恢复
	OpReconnect           OpCode = 7  // 要求客户端重连
	OpRequestGuildMembers OpCode = 8  // 服务器成员查询
	OpInvalidSession      OpCode = 9  // 会话无效
	OpHello               OpCode = 10 // 连接握手
	OpHeartbeatAck        OpCode = 11 // 心跳确认
	OpLazyRequest         OpCode = 14 // 成员列表懒加载订阅
)

// OpCodeMap 将 OpCode 映射到其字符串表示
var OpCodeMap = map[OpCode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpStatusUpdate:        "STATUS_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatAck:        "HEARTBEAT_ACK",
	OpLazyRequest:         "LAZY_REQUEST",
}

func (op OpCode) String() string {
	if name, ok := OpCodeMap[op]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(op)) + ")"
}

// clientOps 客户端允许发送的操作码, 值表示是否必须先完成鉴权
var clientOps = map[OpCode]bool{
	OpHeartbeat:           false,
	OpIdentify:            false,
	OpResume:              false,
	OpStatusUpdate:        true,
	OpRequestGuildMembers: true,
	OpLazyRequest:         true,
}

// IsClientOp 判断操作码是否允许由客户端发送
func IsClientOp(op OpCode) bool {
	_, ok := clientOps[op]
	return ok
}

// RequiresSession 判断操作码是否要求已鉴权的会话
func RequiresSession(op OpCode) bool {
	return clientOps[op]
}

// CloseCode 网关 WebSocket 关闭码
type CloseCode int

const (
	CloseNormal               CloseCode = 1000
	CloseGoingAway            CloseCode = 1001
	CloseUnknownError         CloseCode = 4000
	CloseUnknownOpcode        CloseCode = 4001
	CloseDecodeError          CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseInvalidSeq           CloseCode = 4007
	CloseRateLimited          CloseCode = 4008
	CloseSessionTimedOut      CloseCode = 4009
)

var closeCodeMap = map[CloseCode]string{
	CloseNormal:               "normal closure",
	CloseGoingAway:            "going away",
	CloseUnknownError:         "unknown error",
	CloseUnknownOpcode:        "unknown opcode",
	CloseDecodeError:          "decode error",
	CloseNotAuthenticated:     "not authenticated",
	CloseAuthenticationFailed: "authentication failed",
	CloseAlreadyAuthenticated: "already authenticated",
	CloseInvalidSeq:           "invalid seq",
	CloseRateLimited:          "rate limited",
	CloseSessionTimedOut:      "session timed out",
}

func (c CloseCode) String() string {
	if name, ok := closeCodeMap[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// Frame 网关帧, 服务端下发时 d 为已序列化的原始 JSON
type Frame struct {
	Op OpCode          `json:"op"`
	T  *string         `json:"t"`
	S  *int64          `json:"s"`
	D  json.RawMessage `json:"d"`
}
