package gateway

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/lazy"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/packet"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

type State int32

const (
	StateAwaitingHello State = iota
	StateAwaitingIdentify
	StateReady
	StateZombie
	StateClosed
)

var stateNames = map[State]string{
	StateAwaitingHello:    "awaiting_hello",
	StateAwaitingIdentify: "awaiting_identify",
	StateReady:            "ready",
	StateZombie:           "zombie",
	StateClosed:           "closed",
}

func (s State) String() string {
	return stateNames[s]
}

// newSessionID 16 字节随机数的十六进制表示
func newSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Session 跨越多条连接存活的网关会话, 断线后在恢复窗口内可被 RESUME
type Session struct {
	id       string
	userID   snowflake.ID
	intents  protocol.Intent
	platform string

	mu       sync.Mutex
	state    State
	seq      int64
	ring     *replayRing
	socket   connection.MessageSender
	socketID string
	expiry   *time.Timer
	// gen 每次重新绑定连接时递增, 过期回调据此判断是否已被恢复
	gen uint64
	// 恢复时用于重新登记在线状态与压缩方式
	status     string
	activities []repository.Activity
	compress   bool

	lazyMu    sync.Mutex
	views     map[snowflake.ID]*lazy.View
	dirty     map[snowflake.ID]bool
	resetView map[snowflake.ID]bool
}

func newSession(userID snowflake.ID, intents protocol.Intent, platform string, replayCapacity int) *Session {
	return &Session{
		id:        newSessionID(),
		userID:    userID,
		intents:   intents,
		platform:  platform,
		state:     StateReady,
		ring:      newReplayRing(replayCapacity),
		views:     make(map[snowflake.ID]*lazy.View),
		dirty:     make(map[snowflake.ID]bool),
		resetView: make(map[snowflake.ID]bool),
	}
}

func (s *Session) UserID() snowflake.ID { return s.userID }

func (s *Session) SessionID() string { return s.id }

func (s *Session) Intents() protocol.Intent { return s.intents }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Dispatch assigns the next seq, keeps the frame for replay and writes it if a socket is attached.
// A failed write turns the session into a zombie; the returned bool reports whether it happened.
func (s *Session) Dispatch(eventType string, data json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(eventType, data)
}

func (s *Session) dispatchLocked(eventType string, data json.RawMessage) (bool, error) {
	if s.state == StateClosed {
		return false, ErrSessionClosed
	}
	frame, err := packet.NewDispatchPacket(eventType, s.seq+1, data)
	if err != nil {
		return false, err
	}
	s.seq++
	s.ring.push(s.seq, frame)
	metrics.GatewayFrames.WithLabelValues(eventType).Inc()
	if s.socket == nil {
		return false, nil
	}
	if err := s.socket.Send(frame); err != nil {
		logger.WarnF("[%s] Fail to enqueue %s (s=%d), session becomes zombie: %v", s.id, eventType, s.seq, err)
		s.socket.Close(int(protocol.CloseSessionTimedOut), "send failed")
		return true, nil
	}
	return false, nil
}

func (s *Session) setPresence(status string, activities []repository.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status != "" {
		s.status = status
	}
	if activities != nil {
		s.activities = append([]repository.Activity{}, activities...)
	}
}

func (s *Session) presence() (string, []repository.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, append([]repository.Activity{}, s.activities...)
}

// attach 绑定新连接, 旧连接 (若仍存在) 被关闭
func (s *Session) attach(socketID string, socket connection.MessageSender) {
	if s.socket != nil && s.socketID != socketID {
		s.socket.Close(int(protocol.CloseSessionTimedOut), "session resumed on another connection")
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	if s.state == StateZombie {
		metrics.GatewaySessions.WithLabelValues(StateZombie.String()).Dec()
		metrics.GatewaySessions.WithLabelValues(StateReady.String()).Inc()
	}
	s.gen++
	s.socket = socket
	s.socketID = socketID
	s.state = StateReady
}

// detach 解除连接并开始恢复窗口计时; socketID 不匹配时说明会话已被其他连接接管
func (s *Session) detach(socketID string, window time.Duration, expire func(gen uint64)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.socketID != socketID {
		return false
	}
	s.socket = nil
	s.socketID = ""
	s.state = StateZombie
	metrics.GatewaySessions.WithLabelValues(StateReady.String()).Dec()
	metrics.GatewaySessions.WithLabelValues(StateZombie.String()).Inc()
	gen := s.gen
	s.expiry = time.AfterFunc(window, func() { expire(gen) })
	return true
}

// close 恢复窗口到期后调用, gen 不一致说明期间已被恢复
func (s *Session) close(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateZombie {
		return false
	}
	s.state = StateClosed
	s.expiry = nil
	metrics.GatewaySessions.WithLabelValues(StateZombie.String()).Dec()
	return true
}

// resume 重新绑定连接, 补发 seq 之后的帧并发送 RESUMED, 全程持锁保证序号连续
func (s *Session) resume(socketID string, socket connection.MessageSender, after int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionNotFound
	}
	frames, ok := s.ring.since(after, s.seq)
	if !ok {
		return ErrSeqUnavailable
	}
	s.attach(socketID, socket)
	for _, frame := range frames {
		if err := socket.Send(frame); err != nil {
			return err
		}
	}
	logger.InfoF("[%s] Session resumed from s=%d, replayed %d frames", s.id, after, len(frames))
	_, err := s.dispatchLocked(EventResumed, json.RawMessage("null"))
	return err
}

// shutdown 进程退出时关闭连接, 会话不再可恢复; 返回关闭前是否仍有活动连接
func (s *Session) shutdown(code protocol.CloseCode, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasReady := s.state == StateReady
	if s.socket != nil {
		s.socket.Close(int(code), reason)
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
	if s.state != StateClosed {
		metrics.GatewaySessions.WithLabelValues(s.state.String()).Dec()
	}
	s.state = StateClosed
	s.socket = nil
	s.socketID = ""
	return wasReady
}

// view 返回会话在服务器上的成员列表订阅, 不存在时创建
func (s *Session) view(guildID snowflake.ID) *lazy.View {
	v, ok := s.views[guildID]
	if !ok {
		v = lazy.NewView(guildID)
		s.views[guildID] = v
	}
	return v
}

// markDirty 标记需要在下个周期重新计算的成员列表
func (s *Session) markDirty(guildID snowflake.ID, reset bool, filter func(v *lazy.View) bool) {
	s.lazyMu.Lock()
	defer s.lazyMu.Unlock()
	for id, v := range s.views {
		if guildID != 0 && id != guildID {
			continue
		}
		if filter != nil && !filter(v) {
			continue
		}
		s.dirty[id] = true
		if reset {
			s.resetView[id] = true
		}
	}
}
