package pubsub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
)

type ServerOptions struct {
	// MaxPeers 同时在线的连接上限
	MaxPeers     int
	QueueSize    int
	RoleTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.MaxPeers <= 0 {
		o.MaxPeers = 10000
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.RoleTimeout <= 0 {
		o.RoleTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type peer struct {
	id    string
	role  string
	name  string
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
	// 仅在 Server.mu 下访问
	topics map[string]struct{}
}

func (p *peer) label() string {
	if p.name != "" {
		return p.id + "/" + p.name
	}
	return p.id
}

// Server 主题广播 broker, 不缓存也不持久化任何消息
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
	sem      chan struct{}

	mu     sync.Mutex
	topics map[string]map[*peer]struct{}
	peers  map[*peer]struct{}
}

func NewServer(opts ServerOptions) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sem:    make(chan struct{}, opts.MaxPeers),
		topics: make(map[string]map[*peer]struct{}),
		peers:  make(map[*peer]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.WarnF("Peer limit %d reached, rejecting %s", s.opts.MaxPeers, r.RemoteAddr)
		http.Error(w, "too many peers", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.sem }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Fail to upgrade broker connection from %s, details: %v", r.RemoteAddr, err)
		return
	}
	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	p := &peer{
		id:     uuid.NewString(),
		conn:   conn,
		queue:  make(chan []byte, s.opts.QueueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.RoleTimeout))
	var role roleFrame
	if err := conn.ReadJSON(&role); err != nil {
		logger.WarnF("[%s] Fail to read role frame, details: %v", p.id, err)
		_ = conn.Close()
		return
	}
	if role.Role != RoleSubscriber && role.Role != RoleBroadcaster {
		logger.ErrorF("[%s] Invalid role %q", p.id, role.Role)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid role"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	p.role, p.name = role.Role, role.Name

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	metrics.BrokerPeers.WithLabelValues(p.role).Inc()
	logger.InfoF("[%s] Broker peer connected with role %s", p.label(), p.role)

	go s.writePump(p)
	s.readLoop(p)
	s.evict(p)
}

func (s *Server) readLoop(p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
			default:
				connection.HandleReadError(p.label(), err)
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.WarnF("[%s] Malformed broker frame, details: %v", p.label(), err)
			continue
		}
		if !validTopic(frame.Topic) {
			logger.WarnF("[%s] Invalid topic %q", p.label(), frame.Topic)
			continue
		}
		switch frame.T {
		case kindSubscribe:
			s.subscribe(p, frame.Topic)
		case kindUnsubscribe:
			s.unsubscribe(p, frame.Topic)
		case kindBroadcast:
			s.broadcast(p, frame.Topic, frame.Data)
		default:
			logger.WarnF("[%s] Unsupported broker frame type %q", p.label(), frame.T)
		}
	}
}

func (s *Server) subscribe(p *peer, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	set, ok := s.topics[topic]
	if !ok {
		set = make(map[*peer]struct{})
		s.topics[topic] = set
		metrics.BrokerTopics.Set(float64(len(s.topics)))
	}
	set[p] = struct{}{}
	p.topics[topic] = struct{}{}
	logger.DebugF("[%s] Subscribed to %s", p.label(), topic)
}

func (s *Server) unsubscribe(p *peer, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(p, topic)
	logger.DebugF("[%s] Unsubscribed from %s", p.label(), topic)
}

func (s *Server) detachLocked(p *peer, topic string) {
	delete(p.topics, topic)
	set, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(s.topics, topic)
		metrics.BrokerTopics.Set(float64(len(s.topics)))
	}
}

func (s *Server) broadcast(sender *peer, topic string, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	payload, err := json.Marshal(deliveryFrame{Topic: topic, Data: data})
	if err != nil {
		logger.WarnF("[%s] Fail to encode broadcast on %s, details: %v", sender.label(), topic, err)
		return
	}

	s.mu.Lock()
	targets := make([]*peer, 0, len(s.topics[topic]))
	for p := range s.topics[topic] {
		if p != sender {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		select {
		case p.queue <- payload:
			metrics.BrokerMessages.WithLabelValues("sent").Inc()
		default:
			metrics.BrokerMessages.WithLabelValues("evicted").Inc()
			logger.WarnF("[%s] Outbound queue full, evicting subscriber", p.label())
			s.evict(p)
		}
	}
}

func (s *Server) writePump(p *peer) {
	for {
		select {
		case data := <-p.queue:
			_ = p.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !connection.IsNetClosedError(err) {
					logger.ErrorF("[%s] Fail to send data, details: %v", p.label(), err)
				}
				s.evict(p)
				return
			}
		case <-p.done:
			return
		}
	}
}

// evict 将连接从所有主题移除并关闭
func (s *Server) evict(p *peer) {
	p.once.Do(func() {
		s.mu.Lock()
		for topic := range p.topics {
			s.detachLocked(p, topic)
		}
		delete(s.peers, p)
		close(p.done)
		s.mu.Unlock()

		metrics.BrokerPeers.WithLabelValues(p.role).Dec()
		if err := p.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", p.label(), err)
		}
		logger.InfoF("[%s] Broker peer disconnected", p.label())
	})
}

// Subscribers 返回主题当前的订阅连接数
func (s *Server) Subscribers(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[topic])
}

// Shutdown 断开所有连接
func (s *Server) Shutdown() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker shutting down"), time.Now().Add(time.Second))
		s.evict(p)
	}
}
