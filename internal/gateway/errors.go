package gateway

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSeqUnavailable  = errors.New("requested seq is no longer available")
	ErrSessionClosed   = errors.New("session closed")
)

// CloseError 以指定关闭码终止连接的协议错误
type CloseError struct {
	Code   protocol.CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d (%s): %s", int(e.Code), e.Code, e.Reason)
}

func closeWith(code protocol.CloseCode, format string, v ...any) *CloseError {
	return &CloseError{Code: code, Reason: fmt.Sprintf(format, v...)}
}
