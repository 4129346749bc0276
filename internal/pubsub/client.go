package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
)

// MaxReconnectInterval 重连退避上限
const MaxReconnectInterval = 30 * time.Second

type ClientOptions struct {
	URL  string
	Name string
	// QueueSize 单个连接的发送队列长度
	QueueSize    int
	WriteTimeout time.Duration
	// InitialInterval 首次重连等待, 测试中可调小
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Name == "" {
		o.Name = uuid.NewString()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 || o.MaxInterval > MaxReconnectInterval {
		o.MaxInterval = MaxReconnectInterval
	}
	return o
}

var errLinkClosed = errors.New("link closed")

// link 维护到 broker 的单条连接, 断线后按指数退避无限重连
type link struct {
	role   string
	opts   ClientOptions
	dialer *websocket.Dialer

	// onConnect 在角色帧之后调用, 用于重新订阅
	onConnect func(out chan<- []byte)
	onMessage func(data []byte)

	mu        sync.Mutex
	out       chan []byte
	connected chan struct{}
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func newLink(role string, opts ClientOptions) *link {
	return &link{
		role:      role,
		opts:      opts.withDefaults(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// enqueue 非阻塞, 未连接或队列满时丢弃
func (l *link) enqueue(data []byte) bool {
	l.mu.Lock()
	out := l.out
	l.mu.Unlock()
	if out == nil {
		metrics.ClientDropped.WithLabelValues(l.role, "disconnected").Inc()
		return false
	}
	select {
	case out <- data:
		return true
	default:
		metrics.ClientDropped.WithLabelValues(l.role, "queue_full").Inc()
		return false
	}
}

// WaitConnected 阻塞直到首次连接成功
func (l *link) WaitConnected(ctx context.Context) error {
	select {
	case <-l.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 持续维持连接直到 ctx 取消或 Close
func (l *link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return errLinkClosed
	}
	l.cancel = cancel
	l.mu.Unlock()
	defer close(l.done)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.InitialInterval
	b.MaxInterval = l.opts.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var connectedOnce sync.Once
	for {
		conn, err := l.dial(ctx)
		if err == nil {
			b.Reset()
			connectedOnce.Do(func() { close(l.connected) })
			l.serve(ctx, conn)
		} else if ctx.Err() == nil {
			logger.WarnF("[%s] Fail to connect broker %s, details: %v", l.opts.Name, l.opts.URL, err)
		}

		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		metrics.ClientReconnects.WithLabelValues(l.role).Inc()
		logger.DebugF("[%s] Reconnecting to broker in %s", l.opts.Name, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *link) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	if err := conn.WriteJSON(roleFrame{Role: l.role, Name: l.opts.Name}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (l *link) serve(ctx context.Context, conn *websocket.Conn) {
	out := make(chan []byte, l.opts.QueueSize)
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
	if l.onConnect != nil {
		l.onConnect(out)
	}
	logger.InfoF("[%s] Connected to broker %s as %s", l.opts.Name, l.opts.URL, l.role)

	connCtx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		l.writeLoop(connCtx, conn, out)
	}()
	go func() {
		defer close(readerDone)
		defer cancel()
		l.readLoop(conn)
	}()

	<-connCtx.Done()
	l.mu.Lock()
	l.out = nil
	l.mu.Unlock()
	// 关闭帧必须在队列排空之后
	<-writerDone
	if ctx.Err() != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	_ = conn.Close()
	<-readerDone
	logger.InfoF("[%s] Disconnected from broker", l.opts.Name)
}

// writeLoop 在 ctx 结束后仍会把已入队的消息写完, Close 之前发布的消息不会丢失
func (l *link) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case data := <-out:
			if !l.write(conn, data) {
				return
			}
		case <-ctx.Done():
			l.drain(conn, out)
			return
		}
	}
}

func (l *link) drain(conn *websocket.Conn, out <-chan []byte) {
	drained := 0
	for {
		select {
		case data := <-out:
			if !l.write(conn, data) {
				return
			}
			drained++
		default:
			if drained > 0 {
				logger.DebugF("[%s] Drained %d queued messages before disconnect", l.opts.Name, drained)
			}
			return
		}
	}
}

func (l *link) write(conn *websocket.Conn, data []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Fail to send to broker, details: %v", l.opts.Name, err)
		}
		return false
	}
	return true
}

func (l *link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			connection.HandleReadError(l.opts.Name, err)
			return
		}
		if l.onMessage != nil {
			l.onMessage(data)
		}
	}
}

// Close 停止重连, 写完已入队的消息后断开连接
func (l *link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-l.done
	}
}

func encodeClientFrame(kind, topic string, data []byte) ([]byte, error) {
	frame := clientFrame{T: kind, Topic: topic}
	if data != nil {
		if !json.Valid(data) {
			return nil, errors.New("broadcast payload is not valid JSON")
		}
		frame.Data = data
	}
	return json.Marshal(frame)
}

// RemotePublisher 以广播角色连接 broker
type RemotePublisher struct {
	*link
}

func NewRemotePublisher(opts ClientOptions) *RemotePublisher {
	return &RemotePublisher{link: newLink(RoleBroadcaster, opts)}
}

func (p *RemotePublisher) Publish(topic string, data []byte) {
	frame, err := encodeClientFrame(kindBroadcast, topic, data)
	if err != nil {
		logger.WarnF("[%s] Drop publish on %s, details: %v", p.opts.Name, topic, err)
		metrics.ClientDropped.WithLabelValues(p.role, "invalid").Inc()
		return
	}
	if !p.enqueue(frame) {
		logger.DebugF("[%s] Broker unavailable, dropping publish on %s", p.opts.Name, topic)
	}
}

// RemoteSubscriber 以订阅角色连接 broker, 重连后自动重新订阅全部主题
type RemoteSubscriber struct {
	*link
	consumers *consumers
}

func NewRemoteSubscriber(opts ClientOptions) *RemoteSubscriber {
	s := &RemoteSubscriber{
		link:      newLink(RoleSubscriber, opts),
		consumers: newConsumers(RoleSubscriber),
	}
	s.onConnect = s.resubscribe
	s.onMessage = s.handleMessage
	return s
}

func (s *RemoteSubscriber) resubscribe(out chan<- []byte) {
	for _, topic := range s.consumers.list() {
		frame, _ := encodeClientFrame(kindSubscribe, topic, nil)
		select {
		case out <- frame:
		default:
			logger.WarnF("[%s] Fail to resubscribe %s, queue full", s.opts.Name, topic)
		}
	}
}

func (s *RemoteSubscriber) handleMessage(data []byte) {
	var frame deliveryFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.WarnF("[%s] Malformed delivery from broker, details: %v", s.opts.Name, err)
		return
	}
	s.consumers.deliver(frame.Topic, frame.Data)
}

func (s *RemoteSubscriber) Subscribe(topic string, handler Handler) {
	if !validTopic(topic) || !s.consumers.add(topic, handler) {
		return
	}
	frame, _ := encodeClientFrame(kindSubscribe, topic, nil)
	s.enqueue(frame)
}

func (s *RemoteSubscriber) Unsubscribe(topic string) {
	if !s.consumers.remove(topic) {
		return
	}
	frame, _ := encodeClientFrame(kindUnsubscribe, topic, nil)
	s.enqueue(frame)
}

// Close 断开连接并等待所有消费协程退出
func (s *RemoteSubscriber) Close() {
	s.link.Close()
	s.consumers.close()
}
