package pubsub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerOptions{})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func rawPeer(t *testing.T, url, role string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.WriteJSON(roleFrame{Role: role, Name: "raw"}))
	return conn
}

func TestServerFanOutExcludesSender(t *testing.T) {
	srv, url := startBroker(t)
	topic := TopicTestPrefix + "fanout"

	a := rawPeer(t, url, RoleSubscriber)
	b := rawPeer(t, url, RoleSubscriber)
	require.NoError(t, a.WriteJSON(clientFrame{T: kindSubscribe, Topic: topic}))
	require.NoError(t, b.WriteJSON(clientFrame{T: kindSubscribe, Topic: topic}))
	require.Eventually(t, func() bool { return srv.Subscribers(topic) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(clientFrame{T: kindBroadcast, Topic: topic, Data: json.RawMessage(`{"n":1}`)}))

	var got deliveryFrame
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, b.ReadJSON(&got))
	assert.Equal(t, topic, got.Topic)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))

	// the sender never receives its own broadcast
	_ = a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
}

func TestServerEvictsDisconnectedPeer(t *testing.T) {
	srv, url := startBroker(t)
	topic := TopicTestPrefix + "evict"

	a := rawPeer(t, url, RoleSubscriber)
	require.NoError(t, a.WriteJSON(clientFrame{T: kindSubscribe, Topic: topic}))
	require.NoError(t, a.WriteJSON(clientFrame{T: kindSubscribe, Topic: topic + "_2"}))
	require.Eventually(t, func() bool { return srv.Subscribers(topic+"_2") == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = a.Close()
	require.Eventually(t, func() bool {
		return srv.Subscribers(topic) == 0 && srv.Subscribers(topic+"_2") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRejectsInvalidRole(t *testing.T) {
	_, url := startBroker(t)
	conn := rawPeer(t, url, "x")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(data))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestRemoteClientsReconnectAndResubscribe(t *testing.T) {
	srv, url := startBroker(t)
	topic := TopicTestPrefix + "remote"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := ClientOptions{URL: url, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	sub := NewRemoteSubscriber(opts)
	pub := NewRemotePublisher(opts)
	go func() { _ = sub.Run(ctx) }()
	go func() { _ = pub.Run(ctx) }()
	defer sub.Close()
	defer pub.Close()

	c := &collector{}
	sub.Subscribe(topic, c.handle)
	sub.Subscribe(topic, func(string, []byte) { t.Error("second handler must be ignored") })

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, pub.WaitConnected(waitCtx))
	require.Eventually(t, func() bool { return srv.Subscribers(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	pub.Publish(topic, []byte(`{"n":1}`))
	pub.Publish(topic, []byte(`{"n":2}`))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, c.snapshot())

	// drop every peer; both clients reconnect and the subscriber re-subscribes
	srv.Shutdown()
	require.Eventually(t, func() bool { return srv.Subscribers(topic) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		pub.Publish(topic, []byte(`{"n":3}`))
		msgs := c.snapshot()
		return len(msgs) > 2 && msgs[len(msgs)-1] == `{"n":3}`
	}, 3*time.Second, 50*time.Millisecond)

	sub.Unsubscribe(topic)
	require.Eventually(t, func() bool { return srv.Subscribers(topic) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublisherCloseFlushesQueue(t *testing.T) {
	srv, url := startBroker(t)
	topic := TopicTestPrefix + "flush"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := ClientOptions{URL: url, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	sub := NewRemoteSubscriber(opts)
	go func() { _ = sub.Run(ctx) }()
	defer sub.Close()
	c := &collector{}
	sub.Subscribe(topic, c.handle)
	require.Eventually(t, func() bool { return srv.Subscribers(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	pub := NewRemotePublisher(opts)
	go func() { _ = pub.Run(ctx) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, pub.WaitConnected(waitCtx))

	// 入队后立即关闭, 队列中的消息仍需送达
	const n = 50
	for i := 0; i < n; i++ {
		pub.Publish(topic, []byte(`{"n":`+strconv.Itoa(i)+`}`))
	}
	pub.Close()

	require.Eventually(t, func() bool { return len(c.snapshot()) == n }, 3*time.Second, 10*time.Millisecond)
	msgs := c.snapshot()
	assert.Equal(t, `{"n":0}`, msgs[0])
	assert.Equal(t, `{"n":49}`, msgs[n-1])
}

func TestPublishDropsWhenDisconnected(t *testing.T) {
	pub := NewRemotePublisher(ClientOptions{URL: "ws://127.0.0.1:1/"})
	pub.Publish(TopicTestPrefix+"nowhere", []byte(`{}`))
	pub.Publish(TopicTestPrefix+"nowhere", []byte(`not json`))
	pub.Close()
}

func TestLocalBusPerTopicOrdering(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	block := make(chan struct{})
	slow := TopicTestPrefix + "slow"
	fast := TopicTestPrefix + "fast"
	bus.Subscribe(slow, func(string, []byte) { <-block })

	c := &collector{}
	bus.Subscribe(fast, c.handle)

	bus.Publish(slow, []byte("x"))
	for i := 0; i < 5; i++ {
		bus.Publish(fast, []byte{byte('0' + i)})
	}
	require.Eventually(t, func() bool { return len(c.snapshot()) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, c.snapshot())
	close(block)

	bus.Unsubscribe(fast)
	bus.Publish(fast, []byte("late"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 5)
}
