// Package remoteauth 实现远程登录网关: 待登录设备通过 RSA-OAEP 握手获得指纹, 已登录客户端确认后把新凭证加密交付
package remoteauth

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
)

type Options struct {
	// HeartbeatInterval 仅在 hello 中告知客户端
	HeartbeatInterval time.Duration
	// Timeout 自连接建立起的总时长
	Timeout          time.Duration
	HeartbeatTimeout time.Duration
	MaxConnections   int
	ReadLimit        int64
	Socket           connection.SocketOptions
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 41500 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 150 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 50 * time.Second
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10000
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 8 * 1024
	}
	return o
}

type Server struct {
	subscriber pubsub.Subscriber
	opts       Options
	upgrader   websocket.Upgrader
	sem        chan struct{}

	mu      sync.Mutex
	pending map[string]*ConnectionHandler // fingerprint -> handler

	conns    sync.Map // conn id -> *ConnectionHandler
	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(subscriber pubsub.Subscriber, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		subscriber: subscriber,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sem:     make(chan struct{}, opts.MaxConnections),
		pending: make(map[string]*ConnectionHandler),
		closing: make(chan struct{}),
	}
}

// Start subscribes to the remote_auth topic.
func (s *Server) Start() {
	s.subscriber.Subscribe(pubsub.TopicRemoteAuth, s.handleMessage)
	logger.InfoF("Remote auth subscribed to %s", pubsub.TopicRemoteAuth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closing:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	select {
	case s.sem <- struct{}{}:
	default:
		logger.WarnF("Connection limit reached, rejecting %s", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-s.sem
		logger.WarnF("Fail to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		handler := newConnectionHandler(s, conn)
		s.conns.Store(handler.connID, handler)
		defer s.conns.Delete(handler.connID)
		handler.handleConnection()
	}()
}

// handleMessage 指纹不在本进程时忽略, 由持有该套接字的进程处理
func (s *Server) handleMessage(_ string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WarnF("Dropping malformed remote auth message: %v", err)
		return
	}
	if err := msg.validate(); err != nil {
		logger.WarnF("Dropping invalid remote auth message: %v", err)
		return
	}
	s.mu.Lock()
	handler, ok := s.pending[msg.Fingerprint]
	s.mu.Unlock()
	if !ok {
		logger.DebugF("No pending socket for fingerprint %s", msg.Fingerprint)
		return
	}
	handler.deliver(&msg)
}

// register 同一指纹重复登记时以后来者为准
func (s *Server) register(fingerprint string, handler *ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[fingerprint]; ok && prev != handler {
		logger.WarnF("[%s] Fingerprint %s taken over by %s", prev.connID, fingerprint, handler.connID)
	} else {
		metrics.RemoteAuthSessions.Inc()
	}
	s.pending[fingerprint] = handler
}

func (s *Server) unregister(fingerprint string, handler *ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[fingerprint] != handler {
		return
	}
	delete(s.pending, fingerprint)
	metrics.RemoteAuthSessions.Dec()
}

// Pending 等待配对的套接字数
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.closing)
		s.subscriber.Unsubscribe(pubsub.TopicRemoteAuth)
		s.conns.Range(func(_, value any) bool {
			value.(*ConnectionHandler).close(CloseGoingAway, "server shutting down")
			return true
		})
	})
	s.wg.Wait()
	metrics.RemoteAuthSessions.Set(0)
	logger.InfoF("Remote auth stopped")
}
