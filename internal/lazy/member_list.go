// Package lazy 生成排序后的服务器成员侧栏, 并跟踪会话订阅的区间
package lazy

import (
	"sort"
	"strings"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	GroupOnline  = "online"
	GroupOffline = "offline"
)

type Entry struct {
	Member   repository.Member
	Presence presence.Update
}

type Group struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type MemberItem struct {
	repository.Member
	Presence presence.Update `json:"presence"`
}

// Item 列表中的一行, 分组标题或成员二选一
type Item struct {
	Group  *Group      `json:"group,omitempty"`
	Member *MemberItem `json:"member,omitempty"`
}

func (it *Item) key() string {
	if it.Group != nil {
		return "g:" + it.Group.ID
	}
	return "m:" + it.Member.User.ID.String()
}

func (it *Item) equal(o *Item) bool {
	if it == nil || o == nil {
		return it == o
	}
	if it.Group != nil || o.Group != nil {
		return it.Group != nil && o.Group != nil && *it.Group == *o.Group
	}
	a, b := it.Member, o.Member
	if a.User != b.User || a.Nick != b.Nick || len(a.Roles) != len(b.Roles) {
		return false
	}
	for i := range a.Roles {
		if a.Roles[i] != b.Roles[i] {
			return false
		}
	}
	return a.Presence.Equal(b.Presence)
}

// List 排好序的成员列表, Items 中包含分组标题
type List struct {
	Items       []Item
	Groups      []Group
	OnlineCount int
	MemberCount int
}

type bucket struct {
	id       string
	position int
	entries  []Entry
}

// Build 先按单独显示的角色分组 (position 高者在前), 其后为 online 与 offline 分组
func Build(guild *repository.Guild, entries []Entry) List {
	hoisted := make(map[snowflake.ID]repository.Role)
	for _, r := range guild.Roles {
		if r.Hoist && r.ID != guild.ID {
			hoisted[r.ID] = r
		}
	}

	buckets := make(map[string]*bucket)
	get := func(id string, position int) *bucket {
		b, ok := buckets[id]
		if !ok {
			b = &bucket{id: id, position: position}
			buckets[id] = b
		}
		return b
	}

	online := 0
	for _, e := range entries {
		if e.Presence.Status == presence.StatusOffline || e.Presence.Status == "" {
			b := get(GroupOffline, -2)
			b.entries = append(b.entries, e)
			continue
		}
		online++
		top, found := repository.Role{}, false
		for _, id := range e.Member.Roles {
			if r, ok := hoisted[id]; ok && (!found || r.Position > top.Position) {
				top, found = r, true
			}
		}
		if found {
			b := get(top.ID.String(), top.Position)
			b.entries = append(b.entries, e)
			continue
		}
		b := get(GroupOnline, -1)
		b.entries = append(b.entries, e)
	}

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].position != ordered[j].position {
			return ordered[i].position > ordered[j].position
		}
		return ordered[i].id < ordered[j].id
	})

	list := List{OnlineCount: online, MemberCount: len(entries)}
	for _, b := range ordered {
		sortEntries(b.entries)
		group := Group{ID: b.id, Count: len(b.entries)}
		list.Groups = append(list.Groups, group)
		list.Items = append(list.Items, Item{Group: &Group{ID: group.ID, Count: group.Count}})
		for _, e := range b.entries {
			list.Items = append(list.Items, Item{Member: &MemberItem{Member: e.Member, Presence: e.Presence}})
		}
	}
	return list
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Member.DisplayName()), strings.ToLower(entries[j].Member.DisplayName())
		if a != b {
			return a < b
		}
		return entries[i].Member.User.ID < entries[j].Member.User.ID
	})
}
