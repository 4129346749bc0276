// Package connection 实现网关会话注册表与 WebSocket 发送管道
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// Entry 可被注册表索引的会话
type Entry interface {
	comparable
	UserID() snowflake.ID
	SessionID() string
}

// Registry 进程内会话注册表, 按用户、会话 ID 与当前套接字三路索引
type Registry[K comparable, S Entry] struct {
	mu        sync.RWMutex
	byUser    map[snowflake.ID]map[S]struct{}
	bySession map[string]S
	bySocket  map[K]S
	socketOf  map[S]K
}

func NewRegistry[K comparable, S Entry]() *Registry[K, S] {
	return &Registry[K, S]{
		byUser:    make(map[snowflake.ID]map[S]struct{}),
		bySession: make(map[string]S),
		bySocket:  make(map[K]S),
		socketOf:  make(map[S]K),
	}
}

// Add 注册会话, 同一会话重复注册无副作用
func (r *Registry[K, S]) Add(s S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.byUser[s.UserID()]
	if !ok {
		sessions = make(map[S]struct{})
		r.byUser[s.UserID()] = sessions
	}
	sessions[s] = struct{}{}
	r.bySession[s.SessionID()] = s
	logger.DebugF("[%s] Session registered for user %s", s.SessionID(), s.UserID())
}

// Remove 从所有索引中移除会话, 返回会话此前是否存在
func (r *Registry[K, S]) Remove(s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySession[s.SessionID()]; !ok {
		return false
	}
	delete(r.bySession, s.SessionID())
	if sessions, ok := r.byUser[s.UserID()]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(r.byUser, s.UserID())
		}
	}
	if k, ok := r.socketOf[s]; ok {
		delete(r.bySocket, k)
		delete(r.socketOf, s)
	}
	logger.DebugF("[%s] Session removed for user %s", s.SessionID(), s.UserID())
	return true
}

// Bind 将套接字绑定到会话, 会话原有的套接字绑定被替换
func (r *Registry[K, S]) Bind(k K, s S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.socketOf[s]; ok {
		delete(r.bySocket, old)
	}
	if prev, ok := r.bySocket[k]; ok {
		delete(r.socketOf, prev)
	}
	r.bySocket[k] = s
	r.socketOf[s] = k
}

// Unbind 解除套接字绑定, 会话本身保留
func (r *Registry[K, S]) Unbind(k K) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySocket[k]
	if !ok {
		return s, false
	}
	delete(r.bySocket, k)
	if cur, bound := r.socketOf[s]; bound && cur == k {
		delete(r.socketOf, s)
	}
	return s, true
}

func (r *Registry[K, S]) LookupBySocket(k K) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySocket[k]
	return s, ok
}

func (r *Registry[K, S]) LookupBySession(id string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[id]
	return s, ok
}

// LookupByUsers 返回属于任一用户的全部会话, 结果不重复
func (r *Registry[K, S]) LookupByUsers(userIDs []snowflake.ID) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []S
	seen := make(map[snowflake.ID]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for s := range r.byUser[id] {
			result = append(result, s)
		}
	}
	return result
}

func (r *Registry[K, S]) CountForUser(userID snowflake.ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

func (r *Registry[K, S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// Range 遍历注册表快照, fn 返回 false 时停止
func (r *Registry[K, S]) Range(fn func(S) bool) {
	r.mu.RLock()
	snapshot := make([]S, 0, len(r.bySession))
	for _, s := range r.bySession {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed while reading: %v", connID, err)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
