package dispatcher

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

type published struct {
	topic string
	data  []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recordingPublisher) Publish(topic string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, data})
}

func TestTopicFor(t *testing.T) {
	tests := map[string]string{
		"MESSAGE_CREATE":           pubsub.TopicMessageEvents,
		"TYPING_START":             pubsub.TopicMessageEvents,
		"CHANNEL_UPDATE":           pubsub.TopicChannelEvents,
		"GUILD_MEMBER_ADD":         pubsub.TopicGuildEvents,
		"GUILD_MEMBER_LIST_UPDATE": pubsub.TopicGuildEvents,
		"PRESENCE_UPDATE":          pubsub.TopicPresenceEvents,
		"USER_UPDATE":              pubsub.TopicUserEvents,
		"RELATIONSHIP_ADD":         pubsub.TopicUserEvents,
		"SOMETHING_ELSE":           pubsub.TopicGlobalEvents,
	}
	for event, topic := range tests {
		assert.Equal(t, topic, TopicFor(event), event)
	}
	assert.NotContains(t, Topics(), pubsub.TopicRemoteAuth)
}

func TestDispatchChannelEvent(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)
	perms := permissions.ViewChannel | permissions.ReadMessageHistory
	d.Dispatch(ToChannel("MESSAGE_CREATE", json.RawMessage(`{"content":"hi"}`), 20, 10, perms))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, pubsub.TopicMessageEvents, pub.msgs[0].topic)

	env, err := DecodeEnvelope(pub.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, "MESSAGE_CREATE", env.EventType)
	assert.JSONEq(t, `{"content":"hi"}`, string(env.EventData))
	assert.Nil(t, env.TargetUserIDs)
	require.NotNil(t, env.TargetChannelID)
	assert.Equal(t, snowflake.ID(20), *env.TargetChannelID)
	require.NotNil(t, env.RequiredPermissions)
	assert.Equal(t, perms, *env.RequiredPermissions)
	assert.Equal(t, protocol.IntentGuildMessages, env.Intent)
}

func TestDispatchUsersMarshalsData(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)
	d.Dispatch(ToUsers("RELATIONSHIP_ADD", map[string]int{"type": 1}, 1, 2))

	require.Len(t, pub.msgs, 1)
	env, err := DecodeEnvelope(pub.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{1, 2}, env.TargetUserIDs)
	assert.JSONEq(t, `{"type":1}`, string(env.EventData))
	assert.Nil(t, env.TargetChannelID)
	assert.Nil(t, env.RequiredPermissions)
}

func TestDispatchDropsInvalidEvents(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)

	d.Dispatch(Event{Type: "MESSAGE_CREATE", Data: json.RawMessage(`{}`)})
	d.Dispatch(Event{Type: "MESSAGE_CREATE", Data: json.RawMessage(`{}`), UserIDs: []snowflake.ID{1}, Permissions: permissions.ViewChannel})
	d.Dispatch(Event{Type: "", UserIDs: []snowflake.ID{1}})
	d.Dispatch(Event{Type: "MESSAGE_CREATE", Data: json.RawMessage(`{broken`), UserIDs: []snowflake.ID{1}})
	d.Dispatch(Event{Type: "MESSAGE_CREATE", Data: func() {}, UserIDs: []snowflake.ID{1}})

	assert.Empty(t, pub.msgs)
}

func TestDecodeEnvelopeRejectsUntargeted(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"event_type":"X","event_data":{}}`))
	assert.ErrorIs(t, err, ErrNoTarget)
	_, err = DecodeEnvelope([]byte(`{"event_type":"X","event_data":{},"target_user_ids":["1"],"required_permissions":"1024"}`))
	assert.ErrorIs(t, err, ErrPermissionsNoScope)
	_, err = DecodeEnvelope([]byte(`{"event_type":"X","event_data":{},"target_guild_id":"5","required_permissions":"1024"}`))
	assert.NoError(t, err)
}
