package packet

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		op     protocol.OpCode
		hasErr bool
	}{
		{"heartbeat", `{"op":1,"d":null}`, protocol.OpHeartbeat, false},
		{"identify", `{"op":2,"d":{"token":"t"}}`, protocol.OpIdentify, false},
		{"missing op", `{"d":{}}`, 0, true},
		{"not json", `hello`, 0, true},
		{"op as string", `{"op":"2"}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tt.input))
			if tt.hasErr {
				require.ErrorIs(t, err, ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.op, frame.Op)
		})
	}
}

func TestParseIdentifyPacket(t *testing.T) {
	p, err := ParseIdentifyPacket(json.RawMessage(`{"token":"tA","properties":{"os":"Windows","browser":"Discord Client"}}`))
	require.NoError(t, err)
	assert.Equal(t, "tA", p.Token)
	assert.Equal(t, protocol.IntentsAll, p.EffectiveIntents())
	assert.Equal(t, "desktop", p.Properties.Platform())

	p, err = ParseIdentifyPacket(json.RawMessage(`{"token":"tA","intents":513,"compress":true,"properties":{"os":"iOS"}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.Intent(513), p.EffectiveIntents())
	assert.True(t, p.Compress)
	assert.Equal(t, "mobile", p.Properties.Platform())

	_, err = ParseIdentifyPacket(json.RawMessage(`{"intents":1}`))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = ParseIdentifyPacket(nil)
	assert.ErrorIs(t, err, ErrDecode)
	_, err = ParseIdentifyPacket(json.RawMessage(`{"token":"t","presence":{"status":"sleeping"}}`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseResumePacket(t *testing.T) {
	p, err := ParseResumePacket(json.RawMessage(`{"token":"t","session_id":"abc","seq":3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Seq)
	assert.Equal(t, "abc", p.SessionID)

	_, err = ParseResumePacket(json.RawMessage(`{"token":"t","seq":3}`))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = ParseResumePacket(json.RawMessage(`{"token":"t","session_id":"abc","seq":-1}`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseHeartbeatPacket(t *testing.T) {
	seq, err := ParseHeartbeatPacket(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, seq)

	seq, err = ParseHeartbeatPacket(json.RawMessage(`42`))
	require.NoError(t, err)
	require.NotNil(t, seq)
	assert.Equal(t, int64(42), *seq)

	_, err = ParseHeartbeatPacket(json.RawMessage(`"x"`))
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestParseStatusUpdatePacket(t *testing.T) {
	p, err := ParseStatusUpdatePacket(json.RawMessage(`{"status":"invisible","activities":[{"name":"Go","type":0}],"afk":false,"since":null}`))
	require.NoError(t, err)
	assert.Equal(t, StatusInvisible, p.Status)
	require.Len(t, p.Activities, 1)
	assert.Equal(t, "Go", p.Activities[0].Name)

	_, err = ParseStatusUpdatePacket(json.RawMessage(`{"status":"away"}`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseLazyRequestPacket(t *testing.T) {
	p, err := ParseLazyRequestPacket(json.RawMessage(`{"guild_id":"10","channels":{"20":[[0,99],[100,199]]},"typing":true}`))
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(10), p.GuildID)
	assert.Equal(t, []Range{{0, 99}, {100, 199}}, p.Channels[20])
	assert.Len(t, p.Ranges(), 2)

	_, err = ParseLazyRequestPacket(json.RawMessage(`{"channels":{}}`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseGuildMembersRequestPacket(t *testing.T) {
	p, err := ParseGuildMembersRequestPacket(json.RawMessage(`{"guild_id":"10","query":"al","limit":0}`))
	require.NoError(t, err)
	assert.Equal(t, MaxGuildMembersLimit, p.Limit)

	p, err = ParseGuildMembersRequestPacket(json.RawMessage(`{"guild_id":"10","query":"al","limit":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5, p.Limit)

	p, err = ParseGuildMembersRequestPacket(json.RawMessage(`{"guild_id":"10","limit":1000}`))
	require.NoError(t, err)
	assert.Equal(t, MaxGuildMembersLimit, p.Limit)

	_, err = ParseGuildMembersRequestPacket(json.RawMessage(`{"query":"al"}`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestServerFrames(t *testing.T) {
	var hello map[string]any
	require.NoError(t, json.Unmarshal(NewHelloPacket(45*time.Second), &hello))
	assert.EqualValues(t, 10, hello["op"])
	assert.EqualValues(t, 45000, hello["d"].(map[string]any)["heartbeat_interval"])

	frame, err := NewDispatchPacket("READY", 1, json.RawMessage(`{"v":9}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":0,"t":"READY","s":1,"d":{"v":9}}`, string(frame))

	frame, err = NewDispatchPacket("RESUMED", 6, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":0,"t":"RESUMED","s":6,"d":null}`, string(frame))

	assert.JSONEq(t, `{"op":11,"t":null,"s":null,"d":null}`, string(NewHeartbeatAckPacket()))
	assert.JSONEq(t, `{"op":9,"t":null,"s":null,"d":false}`, string(NewInvalidSessionPacket(false)))
	assert.JSONEq(t, `{"op":7,"t":null,"s":null,"d":null}`, string(NewReconnectPacket()))
}
