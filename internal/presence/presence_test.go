package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	alice snowflake.ID = 1
	bob   snowflake.ID = 2
	carol snowflake.ID = 3
)

type staticRelated map[snowflake.ID][]snowflake.ID

func (s staticRelated) RelatedUserIDs(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	return s[userID], nil
}

type recorder struct {
	mu     sync.Mutex
	events []dispatcher.Event
}

func (r *recorder) Dispatch(ev dispatcher.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Data.(Update))
	}
	return out
}

func (r *recorder) last() (dispatcher.Event, Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.events[len(r.events)-1]
	return ev, ev.Data.(Update)
}

func newEngine(debounce time.Duration) (*Engine, *recorder) {
	rec := &recorder{}
	related := staticRelated{
		alice: {bob},
		bob:   {alice},
	}
	return NewEngine(related, rec, Options{Debounce: debounce}), rec
}

func TestProject(t *testing.T) {
	tests := map[string]string{
		StatusOnline:    StatusOnline,
		StatusIdle:      StatusIdle,
		StatusDND:       StatusDND,
		StatusInvisible: StatusOffline,
		StatusOffline:   StatusOffline,
		"garbage":       StatusOffline,
	}
	for in, want := range tests {
		assert.Equal(t, want, Project(in), in)
	}
}

func TestConnectNotifiesRelatedUsersOnly(t *testing.T) {
	engine, rec := newEngine(time.Hour)
	ctx := context.Background()

	update := engine.Connect(ctx, alice, "s1", "desktop", "", nil)
	assert.Equal(t, StatusOnline, update.Status)
	assert.Equal(t, map[string]string{"desktop": StatusOnline}, update.ClientStatus)

	ev, got := rec.last()
	assert.Equal(t, EventPresenceUpdate, ev.Type)
	assert.Equal(t, []snowflake.ID{bob}, ev.UserIDs)
	assert.Equal(t, alice, got.User.ID)
	assert.Equal(t, StatusOnline, got.Status)

	// 相同状态的第二个会话只增加一项 client_status
	engine.Connect(ctx, alice, "s2", "mobile", StatusOnline, nil)
	_, got = rec.last()
	assert.Equal(t, map[string]string{"desktop": StatusOnline, "mobile": StatusOnline}, got.ClientStatus)

	// carol 没有相关用户, 不会派发事件
	before := len(rec.updates())
	engine.Connect(ctx, carol, "s3", "web", StatusOnline, nil)
	assert.Len(t, rec.updates(), before)
}

func TestInvisibleProjectsOffline(t *testing.T) {
	engine, rec := newEngine(time.Hour)
	ctx := context.Background()
	activities := []repository.Activity{{Name: "chess", Type: 0}}

	engine.Connect(ctx, alice, "s1", "desktop", StatusOnline, activities)
	update := engine.SetStatus(ctx, alice, StatusInvisible, nil)
	assert.Equal(t, StatusOffline, update.Status)
	assert.Empty(t, update.Activities)
	assert.Empty(t, update.ClientStatus)

	_, got := rec.last()
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, StatusInvisible, engine.Self(alice).Status)
	assert.False(t, engine.Online(alice))

	// 重复设置相同状态不会再次广播
	n := len(rec.updates())
	engine.SetStatus(ctx, alice, StatusInvisible, nil)
	assert.Len(t, rec.updates(), n)

	engine.SetStatus(ctx, alice, StatusDND, nil)
	_, got = rec.last()
	assert.Equal(t, StatusDND, got.Status)
	assert.Equal(t, activities, got.Activities)
}

func TestDisconnectDebounce(t *testing.T) {
	engine, rec := newEngine(50 * time.Millisecond)
	ctx := context.Background()

	engine.Connect(ctx, alice, "s1", "desktop", StatusOnline, nil)
	engine.Disconnect(alice, "s1")
	// 去抖窗口内重连, 不出现 offline 抖动
	engine.Connect(ctx, alice, "s2", "desktop", StatusOnline, nil)
	time.Sleep(120 * time.Millisecond)
	for _, u := range rec.updates() {
		assert.NotEqual(t, StatusOffline, u.Status)
	}

	engine.Disconnect(alice, "s2")
	require.Eventually(t, func() bool {
		_, got := rec.last()
		return got.Status == StatusOffline
	}, time.Second, 10*time.Millisecond)
	assert.False(t, engine.Online(alice))
}

func TestFlushEmitsPendingOffline(t *testing.T) {
	engine, rec := newEngine(time.Hour)
	ctx := context.Background()

	engine.Connect(ctx, bob, "s1", "web", StatusIdle, nil)
	engine.Disconnect(bob, "s1")
	_, got := rec.last()
	assert.Equal(t, StatusIdle, got.Status)

	engine.Flush()
	ev, got := rec.last()
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, []snowflake.ID{alice}, ev.UserIDs)
}

func TestObserveRemotePresence(t *testing.T) {
	engine, _ := newEngine(time.Hour)

	require.NoError(t, engine.ObserveRaw([]byte(`{"user":{"id":"3"},"status":"dnd","activities":[],"client_status":{"web":"dnd"}}`)))
	assert.Equal(t, StatusDND, engine.Get(carol).Status)

	engine.Observe(Offline(carol))
	assert.Equal(t, StatusOffline, engine.Get(carol).Status)

	assert.Error(t, engine.ObserveRaw([]byte(`{`)))
}

func TestStaleOfflineKeepsReconnectedUser(t *testing.T) {
	engine, rec := newEngine(time.Hour)
	ctx := context.Background()

	engine.Connect(ctx, alice, "s1", "web", StatusIdle, nil)
	engine.Disconnect(alice, "s1")
	engine.mu.Lock()
	up := engine.users[alice]
	gen := up.gen
	engine.mu.Unlock()

	// 离线计时器已取得世代, 写入状态之前用户重新连接
	engine.Connect(ctx, alice, "s2", "web", StatusOnline, nil)
	assert.False(t, engine.goOffline(alice, up, gen))

	assert.True(t, engine.Online(alice))
	assert.Equal(t, StatusOnline, engine.Self(alice).Status)
	_, got := rec.last()
	assert.Equal(t, StatusOnline, got.Status)
	for _, u := range rec.updates() {
		assert.NotEqual(t, StatusOffline, u.Status)
	}
}

func TestFlushRacingReconnect(t *testing.T) {
	engine, rec := newEngine(time.Hour)
	ctx := context.Background()

	prev := "s-init"
	engine.Connect(ctx, alice, prev, "web", StatusOnline, nil)
	for i := 0; i < 200; i++ {
		sessionID := fmt.Sprintf("s%d", i)
		engine.Disconnect(alice, prev)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			engine.Flush()
		}()
		go func() {
			defer wg.Done()
			engine.Connect(ctx, alice, sessionID, "web", StatusOnline, nil)
		}()
		wg.Wait()

		require.True(t, engine.Online(alice), "iteration %d", i)
		require.Equal(t, StatusOnline, engine.Self(alice).Status, "iteration %d", i)
		_, got := rec.last()
		require.Equal(t, StatusOnline, got.Status, "iteration %d", i)
		prev = sessionID
	}
}

func TestExpireRacingReconnect(t *testing.T) {
	engine, rec := newEngine(time.Microsecond)
	ctx := context.Background()

	prev := "s-init"
	engine.Connect(ctx, alice, prev, "web", StatusOnline, nil)
	for i := 0; i < 200; i++ {
		sessionID := fmt.Sprintf("s%d", i)
		engine.Disconnect(alice, prev)
		engine.Connect(ctx, alice, sessionID, "web", StatusOnline, nil)
		prev = sessionID
	}
	// 给仍在途中的计时器留出时间
	time.Sleep(50 * time.Millisecond)

	assert.True(t, engine.Online(alice))
	assert.Equal(t, StatusOnline, engine.Self(alice).Status)
	_, got := rec.last()
	assert.Equal(t, StatusOnline, got.Status)
}
