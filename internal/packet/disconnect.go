package packet

import "github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"

var (
	invalidSessionResumable = mustFrame(protocol.OpInvalidSession, true)
	invalidSession          = mustFrame(protocol.OpInvalidSession, false)
	reconnect               = mustFrame(protocol.OpReconnect, nil)
)

func NewInvalidSessionPacket(resumable bool) []byte {
	if resumable {
		return invalidSessionResumable
	}
	return invalidSession
}

func NewReconnectPacket() []byte {
	return reconnect
}
