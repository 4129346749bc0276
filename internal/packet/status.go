package packet

import (
	"encoding/json"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
)

// 用户可设置的在线状态
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

var validStatus = map[string]struct{}{
	StatusOnline:    {},
	StatusIdle:      {},
	StatusDND:       {},
	StatusInvisible: {},
	StatusOffline:   {},
}

// ValidStatus 判断 status 是否为合法的在线状态
func ValidStatus(status string) bool {
	_, ok := validStatus[status]
	return ok
}

type StatusUpdatePacket struct {
	Since      *int64                `json:"since"`
	Activities []repository.Activity `json:"activities"`
	Status     string                `json:"status"`
	AFK        bool                  `json:"afk"`
}

func (p *StatusUpdatePacket) validate() error {
	if p.Status != "" && !ValidStatus(p.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrDecode, p.Status)
	}
	return nil
}

func ParseStatusUpdatePacket(d json.RawMessage) (*StatusUpdatePacket, error) {
	result := &StatusUpdatePacket{}
	if err := decodePayload(protocol.OpStatusUpdate, d, result); err != nil {
		return nil, err
	}
	if err := result.validate(); err != nil {
		return nil, err
	}
	return result, nil
}
