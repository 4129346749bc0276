package lazy

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	guildID snowflake.ID = 10
	modRole snowflake.ID = 20
	vipRole snowflake.ID = 21
)

var guild = &repository.Guild{
	ID: guildID,
	Roles: []repository.Role{
		{ID: guildID, Name: "@everyone"},
		{ID: modRole, Name: "mod", Hoist: true, Position: 5},
		{ID: vipRole, Name: "vip", Hoist: true, Position: 2},
	},
}

func entry(id snowflake.ID, name, status string, roles ...snowflake.ID) Entry {
	p := presence.Offline(id)
	if status != presence.StatusOffline {
		p = presence.Update{User: presence.UserRef{ID: id}, Status: status, Activities: []repository.Activity{}, ClientStatus: map[string]string{"web": status}}
	}
	return Entry{
		Member:   repository.Member{GuildID: guildID, User: repository.User{ID: id, Username: name}, Roles: roles},
		Presence: p,
	}
}

func describe(list List) []string {
	out := make([]string, 0, len(list.Items))
	for _, it := range list.Items {
		if it.Group != nil {
			out = append(out, fmt.Sprintf("[%s %d]", it.Group.ID, it.Group.Count))
			continue
		}
		out = append(out, it.Member.User.Username)
	}
	return out
}

func TestBuildOrdering(t *testing.T) {
	list := Build(guild, []Entry{
		entry(1, "zed", presence.StatusOnline),
		entry(2, "amy", presence.StatusOnline, vipRole),
		entry(3, "Bob", presence.StatusIdle, modRole, vipRole),
		entry(4, "al", presence.StatusOnline, modRole),
		entry(5, "cat", presence.StatusOffline, modRole),
		entry(6, "amy", presence.StatusDND),
	})
	assert.Equal(t, []string{
		"[20 2]", "al", "Bob",
		"[21 1]", "amy",
		"[online 2]", "amy", "zed",
		"[offline 1]", "cat",
	}, describe(list))
	assert.Equal(t, 5, list.OnlineCount)
	assert.Equal(t, 6, list.MemberCount)
	require.Len(t, list.Groups, 4)
	assert.Equal(t, Group{ID: GroupOffline, Count: 1}, list.Groups[3])
	assert.Equal(t, snowflake.ID(6), list.Items[6].Member.User.ID)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   []Range
		want []Range
	}{
		{[]Range{{0, 99}}, []Range{{0, 99}}},
		{[]Range{{100, 199}, {0, 99}}, []Range{{0, 199}}},
		{[]Range{{0, 10}, {5, 20}, {40, 50}}, []Range{{0, 20}, {40, 50}}},
		{[]Range{{-5, 3}, {9, 2}}, []Range{{0, 3}}},
		{nil, []Range{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "%v", tt.in)
	}
}

// assertMirrors 从空列表重放全部 op, 检查订阅区间的内容
func assertMirrors(t *testing.T, v *View, list List, history []Op) {
	t.Helper()
	client := Replay(nil, history...)
	for _, r := range v.Ranges() {
		for i := r[0]; i <= r[1]; i++ {
			require.Less(t, i, len(client), "index %d missing on client", i)
			require.NotNil(t, client[i], "index %d unknown on client", i)
			assert.True(t, client[i].equal(&list.Items[i]), "index %d: client=%s server=%s", i, client[i].key(), list.Items[i].key())
		}
	}
}

func TestViewSubscribeClampsAndSyncs(t *testing.T) {
	list := Build(guild, []Entry{
		entry(1, "a", presence.StatusOnline),
		entry(2, "b", presence.StatusOnline),
	})
	v := NewView(guildID)
	ops := v.Subscribe(list, []Range{{0, 99}})
	require.Len(t, ops, 1)
	assert.Equal(t, OpSync, ops[0].Op)
	assert.Equal(t, Range{0, 2}, *ops[0].Range)
	assert.Len(t, ops[0].Items, 3)
	assert.True(t, v.Subscribed(1))
	assert.ElementsMatch(t, []snowflake.ID{1, 2}, v.SubscribedMemberIDs())

	// 重复订阅同一区间不产生 op
	assert.Empty(t, v.Subscribe(list, []Range{{0, 99}}))

	// 超出末尾的区间被忽略
	assert.Empty(t, v.Subscribe(list, []Range{{0, 99}, {200, 299}}))
}

func TestViewDeltasReproduceList(t *testing.T) {
	members := map[snowflake.ID]Entry{}
	build := func() List {
		entries := make([]Entry, 0, len(members))
		for _, e := range members {
			entries = append(entries, e)
		}
		return Build(guild, entries)
	}
	for i := 1; i <= 12; i++ {
		members[snowflake.ID(i)] = entry(snowflake.ID(i), fmt.Sprintf("user%02d", i), presence.StatusOnline)
	}

	v := NewView(guildID)
	list := build()
	history := v.Subscribe(list, []Range{{0, 5}, {8, 10}})
	assertMirrors(t, v, list, history)

	steps := []func(){
		// 在最前面加入
		func() { members[13] = entry(13, "aaa", presence.StatusOnline) },
		// 从区间内部离开
		func() { delete(members, 3) },
		// 升入单独显示的角色分组, 其下各行全部移动
		func() { members[7] = entry(7, "user07", presence.StatusOnline, modRole) },
		// 状态变化使成员移到 offline
		func() { members[1] = entry(1, "user01", presence.StatusOffline) },
		// 原位置的显示变化
		func() { members[2] = entry(2, "user02", presence.StatusIdle) },
		// 多项同时变化
		func() {
			delete(members, 13)
			members[14] = entry(14, "user05b", presence.StatusOnline, vipRole)
			members[4] = entry(4, "user04", presence.StatusOffline)
		},
	}
	for i, step := range steps {
		step()
		list = build()
		ops := v.Apply(list)
		history = append(history, ops...)
		t.Run(fmt.Sprintf("step %d", i), func(t *testing.T) {
			assertMirrors(t, v, list, history)
		})
	}

	// 无变化则无 op
	assert.Empty(t, v.Apply(build()))

	// 区间内的成员变化产生 INSERT
	members[15] = entry(15, "aab", presence.StatusOnline)
	list = build()
	ops := v.Apply(list)
	history = append(history, ops...)
	kinds := map[string]int{}
	for _, op := range ops {
		kinds[op.Op]++
	}
	assert.Equal(t, 1, kinds[OpInsert])
	assertMirrors(t, v, list, history)
}

func TestViewInvalidate(t *testing.T) {
	list := Build(guild, []Entry{entry(1, "a", presence.StatusOnline)})
	v := NewView(guildID)
	history := v.Subscribe(list, []Range{{0, 99}})

	ops := v.Invalidate()
	require.Len(t, ops, 2)
	assert.Equal(t, OpInvalidate, ops[0].Op)
	assert.Equal(t, Range{0, 99}, *ops[0].Range)
	assert.Equal(t, OpSync, ops[1].Op)
	assertMirrors(t, v, list, append(history, ops...))
}

func TestPayloadJSON(t *testing.T) {
	list := Build(guild, []Entry{entry(1, "a", presence.StatusOnline)})
	v := NewView(guildID)
	ops := v.Subscribe(list, []Range{{0, 0}})

	data, err := json.Marshal(v.Payload(ops))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"guild_id": "10",
		"id": "everyone",
		"ops": [{"op": "SYNC", "range": [0, 0], "items": [{"group": {"id": "online", "count": 1}}]}],
		"groups": [{"id": "online", "count": 1}],
		"online_count": 1,
		"member_count": 1
	}`, string(data))
}
