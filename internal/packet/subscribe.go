package packet

import (
	"encoding/json"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// Range 客户端请求的闭区间 [lo, hi]
type Range [2]int

// LazyRequestPacket op 14 成员列表订阅
type LazyRequestPacket struct {
	GuildID    snowflake.ID             `json:"guild_id"`
	Channels   map[snowflake.ID][]Range `json:"channels"`
	Members    []snowflake.ID           `json:"members"`
	Activities bool                     `json:"activities"`
	Threads    bool                     `json:"threads"`
	Typing     bool                     `json:"typing"`
}

// Ranges 合并所有频道请求的区间, 成员列表按服务器维护
func (p *LazyRequestPacket) Ranges() []Range {
	var result []Range
	for _, ranges := range p.Channels {
		result = append(result, ranges...)
	}
	return result
}

func ParseLazyRequestPacket(d json.RawMessage) (*LazyRequestPacket, error) {
	result := &LazyRequestPacket{}
	if err := decodePayload(protocol.OpLazyRequest, d, result); err != nil {
		return nil, err
	}
	if result.GuildID == 0 {
		return nil, fmt.Errorf("%w: lazy request without guild_id", ErrDecode)
	}
	return result, nil
}
