package database

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

var errInjected = errors.New("injected failure")

// MemoryStore 进程内实现, 用于单机开发与测试
type MemoryStore struct {
	mu       sync.RWMutex
	signer   *auth.Signer
	users    map[snowflake.ID]*repository.User
	settings map[snowflake.ID]*repository.UserSettings
	guilds   map[snowflake.ID]*repository.Guild
	// guild -> user -> member
	members  map[snowflake.ID]map[snowflake.ID]*repository.Member
	channels map[snowflake.ID]*repository.Channel
	friends  map[snowflake.ID]snowflake.Set
	tokens   map[string]snowflake.ID
	sessions map[string]*AuthSession
	failures map[string]int
}

func NewMemoryStore(signer *auth.Signer) *MemoryStore {
	return &MemoryStore{
		signer:   signer,
		users:    make(map[snowflake.ID]*repository.User),
		settings: make(map[snowflake.ID]*repository.UserSettings),
		guilds:   make(map[snowflake.ID]*repository.Guild),
		members:  make(map[snowflake.ID]map[snowflake.ID]*repository.Member),
		channels: make(map[snowflake.ID]*repository.Channel),
		friends:  make(map[snowflake.ID]snowflake.Set),
		tokens:   make(map[string]snowflake.ID),
		sessions: make(map[string]*AuthSession),
		failures: make(map[string]int),
	}
}

// FailNext 让指定方法接下来的 count 次调用返回 ErrTransient
func (ms *MemoryStore) FailNext(method string, count int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failures[method] = count
}

func (ms *MemoryStore) fail(method string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.failures[method] <= 0 {
		return nil
	}
	ms.failures[method]--
	return repository.Transient(method, errInjected)
}

func (ms *MemoryStore) PutUser(user repository.User) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.users[user.ID] = &user
}

func (ms *MemoryStore) PutSettings(settings repository.UserSettings) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.settings[settings.UserID] = &settings
}

func (ms *MemoryStore) PutGuild(guild repository.Guild) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.guilds[guild.ID] = &guild
	if _, ok := ms.members[guild.ID]; !ok {
		ms.members[guild.ID] = make(map[snowflake.ID]*repository.Member)
	}
}

// PutMember 同时登记成员对应的用户
func (ms *MemoryStore) PutMember(member repository.Member) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	byUser, ok := ms.members[member.GuildID]
	if !ok {
		byUser = make(map[snowflake.ID]*repository.Member)
		ms.members[member.GuildID] = byUser
	}
	byUser[member.User.ID] = &member
	if _, ok := ms.users[member.User.ID]; !ok {
		user := member.User
		ms.users[user.ID] = &user
	}
	if guild, ok := ms.guilds[member.GuildID]; ok {
		guild.MemberCount = len(byUser)
	}
}

func (ms *MemoryStore) RemoveMember(guildID, userID snowflake.ID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if byUser, ok := ms.members[guildID]; ok {
		delete(byUser, userID)
		if guild, ok := ms.guilds[guildID]; ok {
			guild.MemberCount = len(byUser)
		}
	}
}

func (ms *MemoryStore) PutChannel(channel repository.Channel) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.channels[channel.ID] = &channel
}

// AddFriend 好友关系是双向的
func (ms *MemoryStore) AddFriend(a, b snowflake.ID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, pair := range [][2]snowflake.ID{{a, b}, {b, a}} {
		set, ok := ms.friends[pair[0]]
		if !ok {
			set = snowflake.NewSet()
			ms.friends[pair[0]] = set
		}
		set.Add(pair[1])
	}
}

// PutToken 注册一个不经过签名校验的静态凭据
func (ms *MemoryStore) PutToken(token string, userID snowflake.ID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tokens[token] = userID
}

func (ms *MemoryStore) RevokeSession(sessionID string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, sessionID)
}

func (ms *MemoryStore) CreateAuthSession(_ context.Context, userID snowflake.ID) (string, error) {
	if err := ms.fail("CreateAuthSession"); err != nil {
		return "", err
	}
	session := NewAuthSession(userID)
	ms.mu.Lock()
	ms.sessions[session.ID] = session
	ms.mu.Unlock()
	logger.DebugF("Auth session created: user_id=%s, session_id=%s", userID, session.ID)
	return session.ID, nil
}

func (ms *MemoryStore) ValidateSession(ctx context.Context, token string) (snowflake.ID, error) {
	if err := ms.fail("ValidateSession"); err != nil {
		return 0, err
	}
	ms.mu.RLock()
	userID, ok := ms.tokens[token]
	ms.mu.RUnlock()
	if ok {
		return userID, nil
	}
	return validateToken(ctx, ms.signer, token, func(_ context.Context, sessionID string) (*AuthSession, error) {
		ms.mu.RLock()
		defer ms.mu.RUnlock()
		session, ok := ms.sessions[sessionID]
		if !ok {
			return nil, repository.NotFound("session", sessionID)
		}
		return session, nil
	})
}

func (ms *MemoryStore) GetUser(_ context.Context, userID snowflake.ID) (*repository.User, error) {
	if err := ms.fail("GetUser"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	user, ok := ms.users[userID]
	if !ok {
		return nil, repository.NotFound("user", userID)
	}
	cp := *user
	return &cp, nil
}

func (ms *MemoryStore) GetUserSettings(_ context.Context, userID snowflake.ID) (*repository.UserSettings, error) {
	if err := ms.fail("GetUserSettings"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	settings, ok := ms.settings[userID]
	if !ok {
		return nil, repository.NotFound("settings", userID)
	}
	cp := *settings
	return &cp, nil
}

func (ms *MemoryStore) FriendIDs(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	if err := ms.fail("FriendIDs"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return sortedIDs(ms.friends[userID].Slice()), nil
}

func (ms *MemoryStore) UserGuildIDs(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	if err := ms.fail("UserGuildIDs"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.userGuildIDsLocked(userID), nil
}

func (ms *MemoryStore) userGuildIDsLocked(userID snowflake.ID) []snowflake.ID {
	ids := make([]snowflake.ID, 0)
	for guildID, byUser := range ms.members {
		if _, ok := byUser[userID]; ok {
			ids = append(ids, guildID)
		}
	}
	return sortedIDs(ids)
}

func (ms *MemoryStore) GetGuild(_ context.Context, guildID snowflake.ID) (*repository.Guild, error) {
	if err := ms.fail("GetGuild"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	guild, ok := ms.guilds[guildID]
	if !ok {
		return nil, repository.NotFound("guild", guildID)
	}
	cp := *guild
	cp.Roles = append([]repository.Role(nil), guild.Roles...)
	return &cp, nil
}

func (ms *MemoryStore) GuildMemberIDs(_ context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	if err := ms.fail("GuildMemberIDs"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.guildMemberIDsLocked(guildID), nil
}

func (ms *MemoryStore) guildMemberIDsLocked(guildID snowflake.ID) []snowflake.ID {
	byUser := ms.members[guildID]
	ids := make([]snowflake.ID, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	return sortedIDs(ids)
}

func (ms *MemoryStore) GuildMembers(_ context.Context, guildID snowflake.ID) ([]repository.Member, error) {
	if err := ms.fail("GuildMembers"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.membersLocked(guildID, ""), nil
}

func (ms *MemoryStore) SearchGuildMembers(_ context.Context, guildID snowflake.ID, prefix string, limit int) ([]repository.Member, error) {
	if err := ms.fail("SearchGuildMembers"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	members := ms.membersLocked(guildID, prefix)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].User.Username < members[j].User.Username
	})
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (ms *MemoryStore) membersLocked(guildID snowflake.ID, prefix string) []repository.Member {
	byUser := ms.members[guildID]
	out := make([]repository.Member, 0, len(byUser))
	for _, id := range ms.guildMemberIDsLocked(guildID) {
		m := byUser[id]
		if !m.MatchesPrefix(prefix) {
			continue
		}
		if user, ok := ms.users[id]; ok {
			cp := *m
			cp.User = *user
			out = append(out, cp)
			continue
		}
		out = append(out, *m)
	}
	return out
}

func (ms *MemoryStore) ChannelRecipientIDs(_ context.Context, channelID snowflake.ID) ([]snowflake.ID, error) {
	if err := ms.fail("ChannelRecipientIDs"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	ch, ok := ms.channels[channelID]
	if !ok {
		return nil, repository.NotFound("channel", channelID)
	}
	if ch.IsPrivate() {
		return append([]snowflake.ID(nil), ch.Recipients...), nil
	}
	return ms.guildMemberIDsLocked(ch.GuildID), nil
}

func (ms *MemoryStore) RelatedUserIDs(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	if err := ms.fail("RelatedUserIDs"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	groups := [][]snowflake.ID{ms.friends[userID].Slice()}
	for _, guildID := range ms.userGuildIDsLocked(userID) {
		groups = append(groups, ms.guildMemberIDsLocked(guildID))
	}
	for _, ch := range ms.channels {
		if !ch.IsPrivate() {
			continue
		}
		for _, id := range ch.Recipients {
			if id == userID {
				groups = append(groups, ch.Recipients)
				break
			}
		}
	}
	return sortedIDs(relatedSet(userID, groups...)), nil
}

func (ms *MemoryStore) EffectivePermissions(_ context.Context, userID, channelID snowflake.ID) (permissions.Permissions, error) {
	if err := ms.fail("EffectivePermissions"); err != nil {
		return 0, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	ch, ok := ms.channels[channelID]
	if !ok {
		return 0, repository.NotFound("channel", channelID)
	}
	if ch.IsPrivate() {
		return channelPermissions(userID, ch, nil, nil), nil
	}
	guild, ok := ms.guilds[ch.GuildID]
	if !ok {
		return 0, repository.NotFound("guild", ch.GuildID)
	}
	return channelPermissions(userID, ch, guild, ms.members[ch.GuildID][userID]), nil
}

func (ms *MemoryStore) GuildPermissions(_ context.Context, userID, guildID snowflake.ID) (permissions.Permissions, error) {
	if err := ms.fail("GuildPermissions"); err != nil {
		return 0, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	guild, ok := ms.guilds[guildID]
	if !ok {
		return 0, repository.NotFound("guild", guildID)
	}
	return guildPermissions(userID, guild, ms.members[guildID][userID]), nil
}

func sortedIDs(ids []snowflake.ID) []snowflake.ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
