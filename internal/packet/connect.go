package packet

// IDENTIFY 与 RESUME 相关函数

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
)

// Properties IDENTIFY 中的客户端属性
type Properties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Platform 将客户端属性归类为 client_status 的平台键
func (p Properties) Platform() string {
	os := strings.ToLower(p.OS)
	switch {
	case os == "android" || os == "ios":
		return "mobile"
	case strings.Contains(strings.ToLower(p.Browser), "client"):
		return "desktop"
	default:
		return "web"
	}
}

type IdentifyPacketPayloads struct {
	Token          string              `json:"token"`
	Intents        *protocol.Intent    `json:"intents"`
	Compress       bool                `json:"compress"`
	LargeThreshold int                 `json:"large_threshold"`
	Properties     Properties          `json:"properties"`
	Presence       *StatusUpdatePacket `json:"presence"`
}

// EffectiveIntents 未声明时默认订阅全部事件
func (p *IdentifyPacketPayloads) EffectiveIntents() protocol.Intent {
	if p.Intents == nil {
		return protocol.IntentsAll
	}
	return *p.Intents
}

func ParseIdentifyPacket(d json.RawMessage) (*IdentifyPacketPayloads, error) {
	result := &IdentifyPacketPayloads{}
	if err := decodePayload(protocol.OpIdentify, d, result); err != nil {
		return nil, err
	}
	if result.Token == "" {
		return nil, fmt.Errorf("%w: identify without token", ErrDecode)
	}
	if result.Presence != nil {
		if err := result.Presence.validate(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

type ResumePacketPayloads struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

func ParseResumePacket(d json.RawMessage) (*ResumePacketPayloads, error) {
	result := &ResumePacketPayloads{}
	if err := decodePayload(protocol.OpResume, d, result); err != nil {
		return nil, err
	}
	if result.Token == "" || result.SessionID == "" {
		return nil, fmt.Errorf("%w: resume requires token and session_id", ErrDecode)
	}
	if result.Seq < 0 {
		return nil, fmt.Errorf("%w: negative resume seq %d", ErrDecode, result.Seq)
	}
	return result, nil
}
