package packet

import (
	"encoding/json"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// MaxGuildMembersLimit 单次成员查询返回的上限
const MaxGuildMembersLimit = 100

// GuildMembersRequestPacket op 8 成员查询
type GuildMembersRequestPacket struct {
	GuildID   snowflake.ID   `json:"guild_id"`
	Query     string         `json:"query"`
	Limit     int            `json:"limit"`
	UserIDs   []snowflake.ID `json:"user_ids"`
	Presences bool           `json:"presences"`
	Nonce     string         `json:"nonce"`
}

func ParseGuildMembersRequestPacket(d json.RawMessage) (*GuildMembersRequestPacket, error) {
	result := &GuildMembersRequestPacket{}
	if err := decodePayload(protocol.OpRequestGuildMembers, d, result); err != nil {
		return nil, err
	}
	if result.GuildID == 0 {
		return nil, fmt.Errorf("%w: guild members request without guild_id", ErrDecode)
	}
	if len(result.Nonce) > 32 {
		return nil, fmt.Errorf("%w: nonce longer than 32 bytes", ErrDecode)
	}
	if result.Limit <= 0 || result.Limit > MaxGuildMembersLimit {
		result.Limit = MaxGuildMembersLimit
	}
	return result, nil
}
