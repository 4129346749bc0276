package remoteauth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
)

type State int

const (
	StateAwaitingInit State = iota
	StateAwaitingNonceProof
	StateAwaitingPair
	StateFinished
	StateCancelled
	StateTimedOut
)

var stateNames = map[State]string{
	StateAwaitingInit:       "awaiting_init",
	StateAwaitingNonceProof: "awaiting_nonce_proof",
	StateAwaitingPair:       "awaiting_pair",
	StateFinished:           "finished",
	StateCancelled:          "cancelled",
	StateTimedOut:           "timed_out",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s >= StateFinished
}

// CloseError 以指定关闭码结束远程登录连接
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

func closeWith(code int, format string, v ...any) *CloseError {
	return &CloseError{Code: code, Reason: fmt.Sprintf(format, v...)}
}

// ConnectionHandler 一个待登录设备的套接字
// 读循环、broker 消费协程与超时协程都会访问状态, 统一由 mu 保护
type ConnectionHandler struct {
	server    *Server
	connID    string
	socket    *connection.Socket
	heartbeat chan struct{}

	mu          sync.Mutex
	state       State
	key         *rsa.PublicKey
	fingerprint string
	nonce       []byte
	registered  bool
}

func newConnectionHandler(server *Server, conn *websocket.Conn) *ConnectionHandler {
	connID := uuid.NewString()
	return &ConnectionHandler{
		server:    server,
		connID:    connID,
		socket:    connection.NewSocket(conn, connID, server.opts.Socket),
		heartbeat: make(chan struct{}, 1),
		state:     StateAwaitingInit,
	}
}

func (c *ConnectionHandler) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionHandler) close(code int, reason string) {
	c.socket.Close(code, reason)
}

func (c *ConnectionHandler) fail(err error) {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		logger.WarnF("[%s] Closing remote auth connection with %d: %s", c.connID, closeErr.Code, closeErr.Reason)
		c.close(closeErr.Code, closeErr.Reason)
		return
	}
	logger.ErrorF("[%s] Unexpected error, details: %v", c.connID, err)
	c.close(CloseUnknownError, "unknown error")
}

func (c *ConnectionHandler) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.socket.Send(data)
}

// watchdog 总时长与心跳间隔两个期限, 先到者关闭连接
func (c *ConnectionHandler) watchdog() {
	total := time.NewTimer(c.server.opts.Timeout)
	defer total.Stop()
	idle := time.NewTimer(c.server.opts.HeartbeatTimeout)
	defer idle.Stop()
	for {
		select {
		case <-c.heartbeat:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.server.opts.HeartbeatTimeout)
		case <-total.C:
			c.timeout(CloseTimedOut, "handshake timed out")
			return
		case <-idle.C:
			c.timeout(CloseHeartbeatTimeout, "heartbeat timed out")
			return
		case <-c.socket.Done():
			return
		}
	}
}

func (c *ConnectionHandler) timeout(code int, reason string) {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateTimedOut
	c.mu.Unlock()
	logger.InfoF("[%s] %s", c.connID, reason)
	c.close(code, reason)
}

func (c *ConnectionHandler) beat() {
	select {
	case c.heartbeat <- struct{}{}:
	default:
	}
}

func (c *ConnectionHandler) handlePacket() {
	for {
		data, err := c.socket.ReadMessage()
		if err != nil {
			connection.HandleReadError(c.connID, err)
			return
		}
		frame, err := parseClientFrame(data)
		if err != nil {
			c.fail(closeWith(CloseUnknownError, "%v", err))
			return
		}
		logger.DebugF("[%s] Receive %s", c.connID, frame.Op)
		if err := c.handleFrame(frame); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *ConnectionHandler) handleFrame(frame *clientFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return nil
	}
	switch {
	case frame.Op == OpHeartbeat:
		c.beat()
		return c.send(opFrame{Op: OpHeartbeatAck})
	case frame.Op == OpInit && c.state == StateAwaitingInit:
		return c.handleInit(frame)
	case frame.Op == OpNonceProof && c.state == StateAwaitingNonceProof:
		return c.handleNonceProof(frame)
	default:
		return closeWith(CloseUnknownError, "unexpected %s in state %s", frame.Op, c.state)
	}
}

func (c *ConnectionHandler) handleInit(frame *clientFrame) error {
	key, der, err := ParsePublicKey(frame.EncodedPublicKey)
	if err != nil {
		return closeWith(CloseGoingAway, "%v", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	encrypted, err := encrypt(key, nonce)
	if err != nil {
		return fmt.Errorf("encrypt nonce: %w", err)
	}
	c.key = key
	c.nonce = nonce
	c.fingerprint = Fingerprint(der)
	c.state = StateAwaitingNonceProof
	return c.send(nonceProofFrame{Op: OpNonceProof, EncryptedNonce: encrypted})
}

func (c *ConnectionHandler) handleNonceProof(frame *clientFrame) error {
	if !checkProof(c.nonce, frame.Proof) {
		return closeWith(CloseGoingAway, "nonce proof mismatch")
	}
	c.state = StateAwaitingPair
	if err := c.send(pendingRemoteInitFrame{Op: OpPendingRemoteInit, Fingerprint: c.fingerprint}); err != nil {
		return err
	}
	c.server.register(c.fingerprint, c)
	c.registered = true
	logger.InfoF("[%s] Awaiting pairing for fingerprint %s", c.connID, c.fingerprint)
	return nil
}

// deliver 在 broker 消费协程中调用
func (c *ConnectionHandler) deliver(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingPair {
		return
	}
	if err := c.deliverLocked(msg); err != nil {
		c.fail(err)
	}
}

func (c *ConnectionHandler) deliverLocked(msg *Message) error {
	switch msg.Op {
	case OpPendingFinish:
		encrypted, err := encrypt(c.key, []byte(msg.UserData))
		if err != nil {
			return fmt.Errorf("encrypt user payload: %w", err)
		}
		return c.send(pendingFinishFrame{Op: OpPendingFinish, EncryptedUserPayload: encrypted})
	case OpFinish:
		encrypted, err := encrypt(c.key, []byte(msg.Token))
		if err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		c.state = StateFinished
		if err := c.send(finishFrame{Op: OpFinish, EncryptedToken: encrypted}); err != nil {
			return err
		}
		logger.InfoF("[%s] Remote auth finished", c.connID)
		c.close(CloseNormal, "")
	case OpCancel:
		c.state = StateCancelled
		if err := c.send(opFrame{Op: OpCancel}); err != nil {
			return err
		}
		logger.InfoF("[%s] Remote auth cancelled", c.connID)
		c.close(CloseNormal, "")
	}
	return nil
}

func (c *ConnectionHandler) cleanup() {
	c.close(CloseNormal, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		c.server.unregister(c.fingerprint, c)
		c.registered = false
	}
	if !c.state.terminal() {
		c.state = StateCancelled
	}
	logger.DebugF("[%s] Remote auth connection closed in state %s", c.connID, c.state)
}

func (c *ConnectionHandler) handleConnection() {
	defer c.cleanup()
	c.socket.SetReadLimit(c.server.opts.ReadLimit)
	hello := helloFrame{
		Op:                OpHello,
		HeartbeatInterval: c.server.opts.HeartbeatInterval.Milliseconds(),
		TimeoutMS:         c.server.opts.Timeout.Milliseconds(),
	}
	if err := c.send(hello); err != nil {
		logger.ErrorF("[%s] Fail to send hello: %v", c.connID, err)
		return
	}
	go c.watchdog()
	c.handlePacket()
}
