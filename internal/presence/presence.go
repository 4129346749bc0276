// Package presence 汇总每个用户在各会话上的在线状态, 变化只通知相关用户
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"

	EventPresenceUpdate = "PRESENCE_UPDATE"

	DefaultDebounce = 5 * time.Second
)

// Project 对外可见的状态, invisible 对他人显示为 offline
func Project(status string) string {
	switch status {
	case StatusOnline, StatusIdle, StatusDND:
		return status
	default:
		return StatusOffline
	}
}

type State struct {
	Status       string
	Activities   []repository.Activity
	LastModified int64
	ClientStatus map[string]string
}

type UserRef struct {
	ID snowflake.ID `json:"id"`
}

// Update PRESENCE_UPDATE 的负载, 也是 presence_events 主题上传输的内容
type Update struct {
	User         UserRef               `json:"user"`
	Status       string                `json:"status"`
	Activities   []repository.Activity `json:"activities"`
	ClientStatus map[string]string     `json:"client_status"`
	LastModified int64                 `json:"last_modified"`
}

// Equal 不比较 LastModified
func (u Update) Equal(o Update) bool {
	if u.Status != o.Status || len(u.Activities) != len(o.Activities) || len(u.ClientStatus) != len(o.ClientStatus) {
		return false
	}
	for i := range u.Activities {
		if u.Activities[i] != o.Activities[i] {
			return false
		}
	}
	for k, v := range u.ClientStatus {
		if o.ClientStatus[k] != v {
			return false
		}
	}
	return true
}

func Offline(userID snowflake.ID) Update {
	return Update{
		User:         UserRef{ID: userID},
		Status:       StatusOffline,
		Activities:   []repository.Activity{},
		ClientStatus: map[string]string{},
	}
}

type RelatedUsers interface {
	RelatedUserIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
}

type Dispatcher interface {
	Dispatch(ev dispatcher.Event)
}

type sessionPresence struct {
	platform string
}

type userPresence struct {
	// publish 串行化同一用户的广播, 保证投递顺序与状态变更顺序一致
	publish   sync.Mutex
	state     State
	sessions  map[string]sessionPresence
	published *Update
	offline   *time.Timer
	gen       uint64
}

type Options struct {
	Debounce time.Duration
}

type Engine struct {
	mu         sync.Mutex
	users      map[snowflake.ID]*userPresence
	observed   map[snowflake.ID]Update
	related    RelatedUsers
	dispatcher Dispatcher
	debounce   time.Duration
	now        func() time.Time
}

func NewEngine(related RelatedUsers, d Dispatcher, opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Engine{
		users:      make(map[snowflake.ID]*userPresence),
		observed:   make(map[snowflake.ID]Update),
		related:    related,
		dispatcher: d,
		debounce:   opts.Debounce,
		now:        time.Now,
	}
}

func (e *Engine) user(userID snowflake.ID) *userPresence {
	up, ok := e.users[userID]
	if !ok {
		up = &userPresence{
			state:    State{Status: StatusOffline, ClientStatus: map[string]string{}},
			sessions: make(map[string]sessionPresence),
		}
		e.users[userID] = up
	}
	return up
}

// projectLocked 由调用方持有 e.mu
func (e *Engine) projectLocked(userID snowflake.ID, up *userPresence) Update {
	status := Project(up.state.Status)
	if len(up.sessions) == 0 {
		status = StatusOffline
	}
	update := Update{
		User:         UserRef{ID: userID},
		Status:       status,
		Activities:   []repository.Activity{},
		ClientStatus: map[string]string{},
		LastModified: up.state.LastModified,
	}
	if status == StatusOffline {
		return update
	}
	update.Activities = append(update.Activities, up.state.Activities...)
	for _, s := range up.sessions {
		update.ClientStatus[s.platform] = status
	}
	return update
}

// Connect 登记一个活动会话, status 为空视为 online
func (e *Engine) Connect(ctx context.Context, userID snowflake.ID, sessionID, platform, status string, activities []repository.Activity) Update {
	if status == "" || status == StatusOffline {
		status = StatusOnline
	}
	e.mu.Lock()
	up := e.user(userID)
	if up.offline != nil {
		up.offline.Stop()
		up.offline = nil
	}
	up.gen++
	up.sessions[sessionID] = sessionPresence{platform: platform}
	up.state.Status = status
	up.state.Activities = cloneActivities(activities)
	up.state.LastModified = e.now().Unix()
	e.mu.Unlock()

	e.broadcast(ctx, userID, up)
	return e.Get(userID)
}

// SetStatus activities 为 nil 时保留当前活动
func (e *Engine) SetStatus(ctx context.Context, userID snowflake.ID, status string, activities []repository.Activity) Update {
	e.mu.Lock()
	up := e.user(userID)
	if status != "" {
		up.state.Status = status
	}
	if activities != nil {
		up.state.Activities = cloneActivities(activities)
	}
	up.state.LastModified = e.now().Unix()
	e.mu.Unlock()

	e.broadcast(ctx, userID, up)
	return e.Get(userID)
}

// Disconnect 移除会话, 最后一个会话离开后经过去抖时间才变为 offline
func (e *Engine) Disconnect(userID snowflake.ID, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	up, ok := e.users[userID]
	if !ok {
		return
	}
	if _, ok := up.sessions[sessionID]; !ok {
		return
	}
	delete(up.sessions, sessionID)
	if len(up.sessions) > 0 {
		go e.broadcast(context.Background(), userID, up)
		return
	}
	up.gen++
	gen := up.gen
	up.offline = time.AfterFunc(e.debounce, func() {
		e.expire(userID, gen)
	})
	logger.DebugF("User %s has no live session, offline in %s", userID, e.debounce)
}

func (e *Engine) expire(userID snowflake.ID, gen uint64) {
	e.mu.Lock()
	up, ok := e.users[userID]
	e.mu.Unlock()
	if ok {
		e.goOffline(userID, up, gen)
	}
}

// goOffline 世代检查与状态写入在同一把锁内, 期间的 Connect 会使本次离线作废
func (e *Engine) goOffline(userID snowflake.ID, up *userPresence, gen uint64) bool {
	e.mu.Lock()
	if up.gen != gen || len(up.sessions) > 0 || e.users[userID] != up {
		e.mu.Unlock()
		return false
	}
	up.offline = nil
	up.state.Status = StatusOffline
	up.state.Activities = nil
	up.state.LastModified = e.now().Unix()
	e.mu.Unlock()

	e.broadcast(context.Background(), userID, up)

	e.mu.Lock()
	if len(up.sessions) == 0 && up.offline == nil && e.users[userID] == up {
		delete(e.users, userID)
		delete(e.observed, userID)
	}
	e.mu.Unlock()
	return true
}

// Flush 立即发出所有等待中的 offline 更新, 进程退出时调用
func (e *Engine) Flush() {
	e.mu.Lock()
	type pendingOffline struct {
		up  *userPresence
		gen uint64
	}
	pending := make(map[snowflake.ID]pendingOffline)
	for id, up := range e.users {
		if up.offline != nil && up.offline.Stop() {
			up.offline = nil
			pending[id] = pendingOffline{up: up, gen: up.gen}
		}
	}
	e.mu.Unlock()

	flushed := 0
	for id, p := range pending {
		if e.goOffline(id, p.up, p.gen) {
			flushed++
		}
	}
	logger.InfoF("Flushed %d pending offline presence updates", flushed)
}

// Observe 缓存从 presence_events 主题得知的其他进程用户状态
func (e *Engine) Observe(update Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if update.Status == StatusOffline {
		delete(e.observed, update.User.ID)
		return
	}
	e.observed[update.User.ID] = update
}

// ObserveRaw 解码 PRESENCE_UPDATE 负载后调用 Observe
func (e *Engine) ObserveRaw(data []byte) error {
	var update Update
	if err := json.Unmarshal(data, &update); err != nil {
		return err
	}
	e.Observe(update)
	return nil
}

// Get 返回他人看到的状态, 本地有会话时以本地为准
func (e *Engine) Get(userID snowflake.ID) Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	if up, ok := e.users[userID]; ok && len(up.sessions) > 0 {
		return e.projectLocked(userID, up)
	}
	if update, ok := e.observed[userID]; ok {
		return update
	}
	return Offline(userID)
}

// Self 返回用户自己设置的状态, invisible 不会被投影
func (e *Engine) Self(userID snowflake.ID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	up, ok := e.users[userID]
	if !ok {
		return State{Status: StatusOffline, ClientStatus: map[string]string{}}
	}
	state := up.state
	state.Activities = cloneActivities(up.state.Activities)
	return state
}

func (e *Engine) Online(userID snowflake.ID) bool {
	return e.Get(userID).Status != StatusOffline
}

func (e *Engine) broadcast(ctx context.Context, userID snowflake.ID, up *userPresence) {
	up.publish.Lock()
	defer up.publish.Unlock()

	e.mu.Lock()
	update := e.projectLocked(userID, up)
	if up.published != nil && up.published.Equal(update) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	related, err := e.related.RelatedUserIDs(ctx, userID)
	if err != nil {
		logger.ErrorF("Fail to resolve related users of %s, presence update dropped: %v", userID, err)
		return
	}

	e.mu.Lock()
	up.published = &update
	e.mu.Unlock()

	if len(related) == 0 {
		return
	}
	e.dispatcher.Dispatch(dispatcher.ToUsers(EventPresenceUpdate, update, related...))
	logger.DebugF("Presence of %s is now %s, notified %d related users", userID, update.Status, len(related))
}

func cloneActivities(activities []repository.Activity) []repository.Activity {
	if activities == nil {
		return nil
	}
	return append([]repository.Activity{}, activities...)
}
