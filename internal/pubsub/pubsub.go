// Package pubsub 实现跨进程事件总线: WebSocket broker、带重连的客户端与进程内总线
package pubsub

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
)

// 约定的主题
const (
	TopicGlobalEvents   = "global_events"
	TopicMessageEvents  = "message_events"
	TopicChannelEvents  = "channel_events"
	TopicGuildEvents    = "guild_events"
	TopicUserEvents     = "user_events"
	TopicPresenceEvents = "presence_events"
	TopicRemoteAuth     = "remote_auth"
	// TopicTestPrefix 测试用主题前缀
	TopicTestPrefix = "test_topic_"
)

// Handler 按主题顺序调用, 不同主题互不阻塞
type Handler func(topic string, data []byte)

type Publisher interface {
	// Publish 不阻塞, 未连接时静默丢弃
	Publish(topic string, data []byte)
}

type Subscriber interface {
	// Subscribe 对同一主题幂等
	Subscribe(topic string, handler Handler)
	Unsubscribe(topic string)
}

// 客户端角色
const (
	RoleSubscriber  = "s"
	RoleBroadcaster = "b"
)

// 客户端 -> broker 消息类型
const (
	kindSubscribe   = "subscribe"
	kindUnsubscribe = "unsubscribe"
	kindBroadcast   = "broadcast"
)

type roleFrame struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

type clientFrame struct {
	T     string          `json:"t"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type deliveryFrame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func validTopic(topic string) bool {
	return topic != "" && len(topic) <= 256 && !strings.ContainsAny(topic, "\x00")
}

const consumerQueueSize = 1024

type consumer struct {
	topic   string
	handler Handler
	queue   chan []byte
	stop    chan struct{}
}

func (c *consumer) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case data := <-c.queue:
			c.invoke(data)
		case <-c.stop:
			return
		}
	}
}

func (c *consumer) invoke(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("Handler for topic %s panicked: %v", c.topic, r)
		}
	}()
	c.handler(c.topic, data)
}

// consumers 每个主题一个消费协程, 消息按主题顺序交给 handler
type consumers struct {
	role   string
	mu     sync.RWMutex
	topics map[string]*consumer
	wg     sync.WaitGroup
	closed bool
}

func newConsumers(role string) *consumers {
	return &consumers{role: role, topics: make(map[string]*consumer)}
}

// add 返回是否为新主题
func (cs *consumers) add(topic string, handler Handler) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	if _, ok := cs.topics[topic]; ok {
		return false
	}
	c := &consumer{
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, consumerQueueSize),
		stop:    make(chan struct{}),
	}
	cs.topics[topic] = c
	cs.wg.Add(1)
	go c.run(&cs.wg)
	return true
}

func (cs *consumers) remove(topic string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.topics[topic]
	if !ok {
		return false
	}
	delete(cs.topics, topic)
	close(c.stop)
	return true
}

func (cs *consumers) list() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	result := make([]string, 0, len(cs.topics))
	for topic := range cs.topics {
		result = append(result, topic)
	}
	return result
}

func (cs *consumers) deliver(topic string, data []byte) {
	cs.mu.RLock()
	c, ok := cs.topics[topic]
	cs.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.queue <- data:
	case <-c.stop:
	default:
		metrics.ClientDropped.WithLabelValues(cs.role, "handler_backlog").Inc()
		logger.WarnF("Handler backlog full for topic %s, dropping message", topic)
	}
}

func (cs *consumers) close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	for topic, c := range cs.topics {
		close(c.stop)
		delete(cs.topics, topic)
	}
	cs.mu.Unlock()
	cs.wg.Wait()
}
