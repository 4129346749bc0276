// Package gateway 实现主网关: 每条 WebSocket 连接上的会话状态机与 broker 事件的按会话分发
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
)

const (
	EventReady             = "READY"
	EventReadySupplemental = "READY_SUPPLEMENTAL"
	EventResumed           = "RESUMED"
	EventGuildMembersChunk = "GUILD_MEMBERS_CHUNK"
)

type Options struct {
	HeartbeatInterval time.Duration
	// ZombieFactor 心跳超时 = HeartbeatInterval * ZombieFactor
	ZombieFactor   float64
	ResumeWindow   time.Duration
	ReplayCapacity int
	// 每 RatePeriod 内允许的客户端帧数
	RateLimit  int
	RatePeriod time.Duration
	LazyTick   time.Duration
	// RepoTimeout 单次仓储调用超时
	RepoTimeout    time.Duration
	MaxConnections int
	ReadLimit      int64
	GatewayHost    string
	CdnHost        string
	Socket         connection.SocketOptions
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 45 * time.Second
	}
	if o.ZombieFactor <= 1 {
		o.ZombieFactor = 1.25
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = 60 * time.Second
	}
	if o.ReplayCapacity < 256 {
		o.ReplayCapacity = 256
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 120
	}
	if o.RatePeriod <= 0 {
		o.RatePeriod = 60 * time.Second
	}
	if o.LazyTick <= 0 {
		o.LazyTick = time.Second
	}
	if o.RepoTimeout <= 0 {
		o.RepoTimeout = 5 * time.Second
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10000
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 * 1024
	}
	return o
}

// Deps 网关依赖的协作者, 进程内只构建一次
type Deps struct {
	Repo       repository.Repository
	Subscriber pubsub.Subscriber
	Dispatcher *dispatcher.Dispatcher
	Presence   *presence.Engine
}

type Server struct {
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	sem      chan struct{}
	registry *connection.Registry[string, *Session]

	conns    sync.Map // socket id -> *ConnectionHandler
	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(deps Deps, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sem:      make(chan struct{}, opts.MaxConnections),
		registry: connection.NewRegistry[string, *Session](),
		closing:  make(chan struct{}),
	}
}

// Start subscribes to every event topic and runs the lazy member list ticker until ctx ends.
func (s *Server) Start(ctx context.Context) {
	for _, topic := range dispatcher.Topics() {
		s.deps.Subscriber.Subscribe(topic, s.handleEnvelope)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.LazyTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closing:
				return
			case <-ticker.C:
				s.flushLazy(ctx)
			}
		}
	}()
	logger.InfoF("Gateway subscribed to %d topics", len(dispatcher.Topics()))
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

	socketOpts := s.opts.Socket
	if r.URL.Query().Get("compress") == "zlib-stream" {
		socketOpts.Compression = connection.CompressionZlibStream
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		handler := newConnectionHandler(s, conn, socketOpts)
		s.conns.Store(handler.connID, handler)
		defer s.conns.Delete(handler.connID)
		handler.handleConnection()
	}()
}

// Sessions 当前进程内的会话数, 包括等待恢复的
func (s *Server) Sessions() int {
	return s.registry.Len()
}

// expire 恢复窗口到期, 会话被彻底移除
func (s *Server) expire(session *Session, gen uint64) {
	if !session.close(gen) {
		return
	}
	s.registry.Remove(session)
	logger.InfoF("[%s] Resume window elapsed, session removed", session.id)
}

func (s *Server) repoContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.RepoTimeout)
}

// Shutdown 关闭所有连接并发出挂起的离线状态
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.closing)
		for _, topic := range dispatcher.Topics() {
			s.deps.Subscriber.Unsubscribe(topic)
		}
		// 先关闭会话再关闭连接, 仍在线的会话在这里登记离线, 连接清理时 detach 不再生效
		s.registry.Range(func(session *Session) bool {
			if session.shutdown(protocol.CloseGoingAway, "server shutting down") {
				s.deps.Presence.Disconnect(session.userID, session.id)
			}
			s.registry.Remove(session)
			return true
		})
		s.conns.Range(func(_, value any) bool {
			value.(*ConnectionHandler).close(protocol.CloseGoingAway, "server shutting down")
			return true
		})
	})
	s.wg.Wait()
	// 等所有连接清理完再 Flush, 清理期间登记的离线也会立即发出
	s.deps.Presence.Flush()
	metrics.GatewaySessions.Reset()
	logger.InfoF("Gateway stopped")
}
