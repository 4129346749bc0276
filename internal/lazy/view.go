package lazy

import (
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	OpSync       = "SYNC"
	OpInsert     = "INSERT"
	OpUpdate     = "UPDATE"
	OpDelete     = "DELETE"
	OpInvalidate = "INVALIDATE"

	EventMemberListUpdate = "GUILD_MEMBER_LIST_UPDATE"

	// 单次增量超过该数量时改为整体失效重发
	maxDeltaOps = 100
)

// Range 闭区间 [lo, hi]
type Range [2]int

type Op struct {
	Op    string `json:"op"`
	Range *Range `json:"range,omitempty"`
	Items []Item `json:"items,omitempty"`
	Index *int   `json:"index,omitempty"`
	Item  *Item  `json:"item,omitempty"`
}

func syncOp(r Range, items []Item) Op {
	rr := r
	return Op{Op: OpSync, Range: &rr, Items: append([]Item{}, items...)}
}

func invalidateOp(r Range) Op {
	rr := r
	return Op{Op: OpInvalidate, Range: &rr}
}

func indexOp(op string, idx int, item *Item) Op {
	i := idx
	o := Op{Op: op, Index: &i}
	if item != nil {
		cp := *item
		o.Item = &cp
	}
	return o
}

// Replay 在客户端的稀疏列表上应用 ops, nil 表示客户端没有该行数据
func Replay(list []*Item, ops ...Op) []*Item {
	grow := func(n int) {
		for len(list) < n {
			list = append(list, nil)
		}
	}
	for _, op := range ops {
		switch op.Op {
		case OpSync:
			grow(op.Range[1] + 1)
			for i := range op.Items {
				item := op.Items[i]
				list[op.Range[0]+i] = &item
			}
		case OpInvalidate:
			for i := op.Range[0]; i <= op.Range[1] && i < len(list); i++ {
				list[i] = nil
			}
		case OpInsert:
			idx := *op.Index
			grow(idx)
			item := *op.Item
			list = append(list, nil)
			copy(list[idx+1:], list[idx:])
			list[idx] = &item
		case OpUpdate:
			idx := *op.Index
			grow(idx + 1)
			item := *op.Item
			list[idx] = &item
		case OpDelete:
			idx := *op.Index
			if idx < len(list) {
				list = append(list[:idx], list[idx+1:]...)
			}
		}
	}
	return list
}

// Normalize 丢弃负数或颠倒的区间, 合并重叠与相邻的区间
func Normalize(ranges []Range) []Range {
	out := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r[0] < 0 {
			r[0] = 0
		}
		if r[1] < r[0] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r[0] <= merged[n-1][1]+1 {
			if r[1] > merged[n-1][1] {
				merged[n-1][1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// clamp 限制到 [0, n), 完全越界时返回 false
func clamp(r Range, n int) (Range, bool) {
	if n == 0 || r[0] >= n {
		return Range{}, false
	}
	if r[1] >= n {
		r[1] = n - 1
	}
	return r, true
}

// Update GUILD_MEMBER_LIST_UPDATE 的负载
type Update struct {
	GuildID     snowflake.ID `json:"guild_id"`
	ID          string       `json:"id"`
	Ops         []Op         `json:"ops"`
	Groups      []Group      `json:"groups"`
	OnlineCount int          `json:"online_count"`
	MemberCount int          `json:"member_count"`
}

// View 单个会话对单个服务器成员列表的订阅, 非并发安全
type View struct {
	GuildID snowflake.ID
	ranges  []Range
	list    List
	// client 客户端持有的列表镜像, 只保证订阅窗口内准确
	client  []*Item
	members snowflake.Set
	visible snowflake.Set
	all     snowflake.Set
}

func NewView(guildID snowflake.ID) *View {
	return &View{
		GuildID: guildID,
		members: snowflake.NewSet(),
		visible: snowflake.NewSet(),
		all:     snowflake.NewSet(),
	}
}

// Ranges 返回按当前列表长度截断后的窗口
func (v *View) Ranges() []Range {
	out := make([]Range, 0, len(v.ranges))
	for _, r := range v.ranges {
		if c, ok := clamp(r, len(v.list.Items)); ok {
			out = append(out, c)
		}
	}
	return out
}

// SubscribeMembers 额外关注的成员, 即使不在窗口内也接收其状态
func (v *View) SubscribeMembers(ids []snowflake.ID) {
	for _, id := range ids {
		v.members.Add(id)
	}
}

// Subscribed userID 的变化是否对该订阅可见
func (v *View) Subscribed(userID snowflake.ID) bool {
	return v.members.Has(userID) || v.visible.Has(userID)
}

// Contains userID 是否在当前持有的列表中
func (v *View) Contains(userID snowflake.ID) bool {
	return v.all.Has(userID)
}

func (v *View) SubscribedMemberIDs() []snowflake.ID {
	set := snowflake.NewSet(v.members.Slice()...)
	for id := range v.visible {
		set.Add(id)
	}
	return set.Slice()
}

// Subscribe 替换订阅区间: 先应用 list 中未同步的变化, 客户端尚未持有的区间以 SYNC 发送
func (v *View) Subscribe(list List, ranges []Range) []Op {
	ops := v.Apply(list)

	held := make(map[Range]bool, len(v.ranges))
	for _, r := range v.Ranges() {
		held[r] = true
	}
	v.ranges = Normalize(ranges)
	for _, r := range v.Ranges() {
		if held[r] {
			continue
		}
		op := syncOp(r, v.list.Items[r[0]:r[1]+1])
		v.client = Replay(v.client, op)
		ops = append(ops, op)
	}
	v.trim()
	return ops
}

// Apply 对比持有的列表与 list, 返回让客户端追上的批量 ops
func (v *View) Apply(list List) []Op {
	old := v.list
	v.list = list
	if len(v.ranges) == 0 {
		v.client = nil
		v.refreshVisible()
		return nil
	}

	limit := 0
	for _, r := range v.ranges {
		if r[1] > limit {
			limit = r[1]
		}
	}

	var ops []Op
	emit := func(op Op) {
		ops = append(ops, op)
		v.client = Replay(v.client, op)
	}

	a, b := keys(old.Items), keys(list.Items)
	for _, oc := range difflib.NewMatcher(a, b).GetOpCodes() {
		pos := oc.J1
		switch oc.Tag {
		case 'd', 'r':
			for n := oc.I2 - oc.I1; n > 0; n-- {
				if pos <= limit {
					emit(indexOp(OpDelete, pos, nil))
				}
			}
		}
		switch oc.Tag {
		case 'i', 'r':
			for j := oc.J1; j < oc.J2; j++ {
				if j <= limit {
					emit(indexOp(OpInsert, j, &list.Items[j]))
				}
			}
		}
	}

	// 修复窗口内移入的未知行与内容变化的行
	for _, r := range v.Ranges() {
		for i := r[0]; i <= r[1]; i++ {
			if i < len(v.client) && v.client[i].equal(&list.Items[i]) {
				continue
			}
			emit(indexOp(OpUpdate, i, &list.Items[i]))
		}
	}

	if len(ops) > maxDeltaOps {
		ops = v.resync()
	}
	v.trim()
	return ops
}

// Invalidate 无法增量修复时整体失效并重新同步
func (v *View) Invalidate() []Op {
	ops := v.resync()
	v.trim()
	return ops
}

// Reset 不做对比直接替换, 用于角色重排这类移动大部分行的变化
func (v *View) Reset(list List) []Op {
	v.list = list
	return v.Invalidate()
}

func (v *View) resync() []Op {
	v.client = nil
	var ops []Op
	for _, r := range v.ranges {
		ops = append(ops, invalidateOp(r))
	}
	for _, r := range v.Ranges() {
		op := syncOp(r, v.list.Items[r[0]:r[1]+1])
		v.client = Replay(v.client, op)
		ops = append(ops, op)
	}
	return ops
}

// trim 丢弃窗口外的镜像数据, 并刷新可见成员集合
func (v *View) trim() {
	inRange := func(i int) bool {
		for _, r := range v.ranges {
			if i >= r[0] && i <= r[1] {
				return true
			}
		}
		return false
	}
	last := -1
	for i := range v.client {
		if !inRange(i) {
			v.client[i] = nil
		} else if v.client[i] != nil {
			last = i
		}
	}
	v.client = v.client[:last+1]
	v.refreshVisible()
}

func (v *View) refreshVisible() {
	v.visible = snowflake.NewSet()
	v.all = snowflake.NewSet()
	for _, it := range v.list.Items {
		if it.Member != nil {
			v.all.Add(it.Member.User.ID)
		}
	}
	for _, r := range v.Ranges() {
		for i := r[0]; i <= r[1]; i++ {
			if m := v.list.Items[i].Member; m != nil {
				v.visible.Add(m.User.ID)
			}
		}
	}
}

// Payload 附带列表计数的 ops
func (v *View) Payload(ops []Op) Update {
	groups := v.list.Groups
	if groups == nil {
		groups = []Group{}
	}
	return Update{
		GuildID:     v.GuildID,
		ID:          "everyone",
		Ops:         ops,
		Groups:      groups,
		OnlineCount: v.list.OnlineCount,
		MemberCount: v.list.MemberCount,
	}
}

func (v *View) OnlineCount() int { return v.list.OnlineCount }
func (v *View) MemberCount() int { return v.list.MemberCount }
func (v *View) Groups() []Group  { return v.list.Groups }

func keys(items []Item) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].key()
	}
	return out
}
