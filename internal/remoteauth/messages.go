package remoteauth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 客户端与服务端之间的 op
const (
	OpHello             = "hello"
	OpInit              = "init"
	OpNonceProof        = "nonce_proof"
	OpPendingRemoteInit = "pending_remote_init"
	OpPendingFinish     = "pending_finish"
	OpFinish            = "finish"
	OpCancel            = "cancel"
	OpHeartbeat         = "heartbeat"
	OpHeartbeatAck      = "heartbeat_ack"
)

// 远程登录套接字的关闭码
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseUnknownError     = 4000
	CloseTimedOut         = 4003
	CloseHeartbeatTimeout = 4004
)

var ErrMalformedFrame = errors.New("malformed frame")

// clientFrame 客户端帧只有这几个字段
type clientFrame struct {
	Op               string `json:"op"`
	EncodedPublicKey string `json:"encoded_public_key,omitempty"`
	Proof            string `json:"proof,omitempty"`
}

func parseClientFrame(data []byte) (*clientFrame, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Op == "" {
		return nil, fmt.Errorf("%w: missing op", ErrMalformedFrame)
	}
	return &frame, nil
}

type helloFrame struct {
	Op                string `json:"op"`
	HeartbeatInterval int64  `json:"heartbeat_interval"`
	TimeoutMS         int64  `json:"timeout_ms"`
}

type nonceProofFrame struct {
	Op             string `json:"op"`
	EncryptedNonce string `json:"encrypted_nonce"`
}

type pendingRemoteInitFrame struct {
	Op          string `json:"op"`
	Fingerprint string `json:"fingerprint"`
}

type pendingFinishFrame struct {
	Op                   string `json:"op"`
	EncryptedUserPayload string `json:"encrypted_user_payload"`
}

type finishFrame struct {
	Op             string `json:"op"`
	EncryptedToken string `json:"encrypted_token"`
}

type opFrame struct {
	Op string `json:"op"`
}

// Message 通过 remote_auth 主题在进程间传递, 按 Fingerprint 路由到挂起的套接字
type Message struct {
	Op          string `json:"op"`
	Fingerprint string `json:"fingerprint"`
	UserData    string `json:"userdata,omitempty"`
	Token       string `json:"token,omitempty"`
}

func (m *Message) validate() error {
	if m.Fingerprint == "" {
		return errors.New("missing fingerprint")
	}
	switch m.Op {
	case OpPendingFinish:
		if m.UserData == "" {
			return errors.New("pending_finish without userdata")
		}
	case OpFinish:
		if m.Token == "" {
			return errors.New("finish without token")
		}
	case OpCancel:
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}
