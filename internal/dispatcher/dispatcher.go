// Package dispatcher 把业务事件包装成带投递目标的 broker 信封
package dispatcher

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

var (
	ErrNoTarget           = errors.New("event has no target")
	ErrPermissionsNoScope = errors.New("required permissions need a channel or guild target")
	ErrMissingEventType   = errors.New("event type is empty")
)

// Event 业务事件及其接收者选择条件
type Event struct {
	Type string
	// Data 原样转发给客户端, 非 RawMessage 只序列化一次
	Data        any
	UserIDs     []snowflake.ID
	ChannelID   snowflake.ID
	GuildID     snowflake.ID
	Permissions permissions.Permissions
}

// Envelope 每个网关进程从 broker 收到的负载
type Envelope struct {
	EventType           string                   `json:"event_type"`
	EventData           json.RawMessage          `json:"event_data"`
	TargetUserIDs       []snowflake.ID           `json:"target_user_ids"`
	TargetChannelID     *snowflake.ID            `json:"target_channel_id"`
	TargetGuildID       *snowflake.ID            `json:"target_guild_id"`
	RequiredPermissions *permissions.Permissions `json:"required_permissions"`
	Intent              protocol.Intent          `json:"intent,omitempty"`
}

// Validate 检查接收端依赖的目标规则
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if e.TargetUserIDs == nil && e.TargetChannelID == nil && e.TargetGuildID == nil {
		return ErrNoTarget
	}
	if e.RequiredPermissions != nil && e.TargetChannelID == nil && e.TargetGuildID == nil {
		return ErrPermissionsNoScope
	}
	return nil
}

// DecodeEnvelope 解析并校验 broker 负载
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

var topicPrefixes = []struct {
	prefix string
	topic  string
}{
	{"MESSAGE_", pubsub.TopicMessageEvents},
	{"TYPING_", pubsub.TopicMessageEvents},
	{"CHANNEL_", pubsub.TopicChannelEvents},
	{"THREAD_", pubsub.TopicChannelEvents},
	{"GUILD_", pubsub.TopicGuildEvents},
	{"PRESENCE_", pubsub.TopicPresenceEvents},
	{"USER_", pubsub.TopicUserEvents},
	{"RELATIONSHIP_", pubsub.TopicUserEvents},
	{"REMOTE_AUTH_", pubsub.TopicRemoteAuth},
}

// TopicFor 事件类型对应的事件族主题
func TopicFor(eventType string) string {
	for _, p := range topicPrefixes {
		if strings.HasPrefix(eventType, p.prefix) {
			return p.topic
		}
	}
	return pubsub.TopicGlobalEvents
}

// Topics 完整网关进程需要订阅的全部主题
func Topics() []string {
	return []string{
		pubsub.TopicGlobalEvents,
		pubsub.TopicMessageEvents,
		pubsub.TopicChannelEvents,
		pubsub.TopicGuildEvents,
		pubsub.TopicUserEvents,
		pubsub.TopicPresenceEvents,
	}
}

type Dispatcher struct {
	publisher pubsub.Publisher
}

func New(publisher pubsub.Publisher) *Dispatcher {
	return &Dispatcher{publisher: publisher}
}

// Dispatch 发布一个信封, 不阻塞也不返回错误, 无效事件记录日志后丢弃
func (d *Dispatcher) Dispatch(ev Event) {
	env, err := buildEnvelope(ev)
	topic := TopicFor(ev.Type)
	if err != nil {
		metrics.Dispatched.WithLabelValues(topic, "invalid").Inc()
		logger.ErrorF("Dropping %s event: %v", ev.Type, err)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		metrics.Dispatched.WithLabelValues(topic, "invalid").Inc()
		logger.ErrorF("Fail to encode %s envelope: %v", ev.Type, err)
		return
	}
	d.publisher.Publish(topic, payload)
	metrics.Dispatched.WithLabelValues(topic, "published").Inc()
	logger.DebugF("Dispatched %s on %s", ev.Type, topic)
}

func buildEnvelope(ev Event) (*Envelope, error) {
	env := &Envelope{EventType: ev.Type}
	switch data := ev.Data.(type) {
	case json.RawMessage:
		env.EventData = data
	case []byte:
		env.EventData = data
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.EventData = raw
	}
	if len(env.EventData) == 0 {
		env.EventData = json.RawMessage("null")
	}
	if !json.Valid(env.EventData) {
		return nil, errors.New("event data is not valid JSON")
	}
	if ev.UserIDs != nil {
		env.TargetUserIDs = ev.UserIDs
	}
	if ev.ChannelID != 0 {
		id := ev.ChannelID
		env.TargetChannelID = &id
	}
	if ev.GuildID != 0 {
		id := ev.GuildID
		env.TargetGuildID = &id
	}
	if ev.Permissions != 0 {
		p := ev.Permissions
		env.RequiredPermissions = &p
	}
	env.Intent = protocol.IntentFor(ev.Type, ev.GuildID != 0)
	return env, env.Validate()
}

// ToUsers 发给指定用户
func ToUsers(eventType string, data any, userIDs ...snowflake.ID) Event {
	if userIDs == nil {
		userIDs = []snowflake.ID{}
	}
	return Event{Type: eventType, Data: data, UserIDs: userIDs}
}

// ToChannel 发给频道内拥有 perms 的所有成员, 私信频道的 guildID 为 0
func ToChannel(eventType string, data any, channelID, guildID snowflake.ID, perms permissions.Permissions) Event {
	return Event{Type: eventType, Data: data, ChannelID: channelID, GuildID: guildID, Permissions: perms}
}

func ToGuild(eventType string, data any, guildID snowflake.ID, perms permissions.Permissions) Event {
	return Event{Type: eventType, Data: data, GuildID: guildID, Permissions: perms}
}
