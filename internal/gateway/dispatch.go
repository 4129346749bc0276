package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/lazy"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// handleEnvelope 每个主题的消息在各自的消费协程中顺序处理
func (s *Server) handleEnvelope(topic string, data []byte) {
	env, err := dispatcher.DecodeEnvelope(data)
	if err != nil {
		metrics.GatewayDrops.WithLabelValues("malformed").Inc()
		logger.WarnF("Dropping malformed envelope on %s: %v", topic, err)
		return
	}
	s.observe(env)

	if s.registry.Len() == 0 {
		return
	}
	ctx, cancel := s.repoContext(context.Background())
	defer cancel()

	sessions, err := s.recipients(ctx, env)
	if err != nil {
		metrics.GatewayDrops.WithLabelValues("recipients").Inc()
		logger.ErrorF("Fail to resolve recipients of %s, event dropped: %v", env.EventType, err)
		return
	}
	for _, session := range sessions {
		s.deliver(ctx, session, env)
	}
}

// observe 让本进程的缓存与成员列表跟上事件带来的变化, 与是否有接收者无关
func (s *Server) observe(env *dispatcher.Envelope) {
	switch {
	case env.EventType == presence.EventPresenceUpdate:
		var update presence.Update
		if err := json.Unmarshal(env.EventData, &update); err != nil {
			logger.WarnF("Malformed presence update: %v", err)
			return
		}
		s.deps.Presence.Observe(update)
		userID := update.User.ID
		s.registry.Range(func(session *Session) bool {
			session.markDirty(0, false, func(v *lazy.View) bool {
				return v.Contains(userID) || v.Subscribed(userID)
			})
			return true
		})
	case strings.HasPrefix(env.EventType, "GUILD_") && env.TargetGuildID != nil:
		guildID := *env.TargetGuildID
		if inv, ok := s.deps.Repo.(repository.Invalidator); ok {
			inv.InvalidateGuild(guildID)
		}
		reset := env.EventType == "GUILD_UPDATE" || strings.HasPrefix(env.EventType, "GUILD_ROLE_")
		s.registry.Range(func(session *Session) bool {
			session.markDirty(guildID, reset, nil)
			return true
		})
	case strings.HasPrefix(env.EventType, "CHANNEL_") && env.TargetChannelID != nil:
		if inv, ok := s.deps.Repo.(repository.Invalidator); ok {
			inv.InvalidateChannel(*env.TargetChannelID)
		}
	}
}

// recipients 显式用户优先, 否则按频道或服务器成员解析, 每个进程只查询一次
func (s *Server) recipients(ctx context.Context, env *dispatcher.Envelope) ([]*Session, error) {
	if env.TargetUserIDs != nil {
		return s.registry.LookupByUsers(env.TargetUserIDs), nil
	}
	var (
		ids []snowflake.ID
		err error
	)
	if env.TargetChannelID != nil {
		ids, err = s.deps.Repo.ChannelRecipientIDs(ctx, *env.TargetChannelID)
	} else {
		ids, err = s.deps.Repo.GuildMemberIDs(ctx, *env.TargetGuildID)
	}
	if err != nil {
		return nil, err
	}
	return s.registry.LookupByUsers(ids), nil
}

func (s *Server) permissionsFor(ctx context.Context, userID snowflake.ID, env *dispatcher.Envelope) (permissions.Permissions, error) {
	var (
		perms permissions.Permissions
		err   error
	)
	if env.TargetChannelID != nil {
		perms, err = s.deps.Repo.EffectivePermissions(ctx, userID, *env.TargetChannelID)
	} else {
		perms, err = s.deps.Repo.GuildPermissions(ctx, userID, *env.TargetGuildID)
	}
	if repository.IsNotFound(err) {
		return 0, nil
	}
	return perms, err
}

// deliver 单个会话的过滤与投递, 仓储故障只影响该会话
func (s *Server) deliver(ctx context.Context, session *Session, env *dispatcher.Envelope) {
	if !session.intents.Has(env.Intent) {
		metrics.GatewayDrops.WithLabelValues("intents").Inc()
		return
	}
	if env.RequiredPermissions != nil {
		perms, err := s.permissionsFor(ctx, session.userID, env)
		if err != nil {
			metrics.GatewayDrops.WithLabelValues("repository").Inc()
			logger.ErrorF("[%s] Fail to resolve permissions, %s dropped: %v", session.id, env.EventType, err)
			return
		}
		if !perms.Has(*env.RequiredPermissions) {
			metrics.GatewayDrops.WithLabelValues("permissions").Inc()
			logger.DebugF("[%s] Missing %s for %s", session.id, *env.RequiredPermissions, env.EventType)
			return
		}
	}
	if _, err := session.Dispatch(env.EventType, env.EventData); err != nil && !errors.Is(err, ErrSessionClosed) {
		logger.ErrorF("[%s] Fail to dispatch %s: %v", session.id, env.EventType, err)
	}
}

func (s *Server) buildMemberList(ctx context.Context, guildID snowflake.ID) (lazy.List, error) {
	guild, err := s.deps.Repo.GetGuild(ctx, guildID)
	if err != nil {
		return lazy.List{}, err
	}
	members, err := s.deps.Repo.GuildMembers(ctx, guildID)
	if err != nil {
		return lazy.List{}, err
	}
	entries := make([]lazy.Entry, 0, len(members))
	for _, m := range members {
		entries = append(entries, lazy.Entry{Member: m, Presence: s.deps.Presence.Get(m.User.ID)})
	}
	return lazy.Build(guild, entries), nil
}

// flushLazy 每个周期把脏的成员列表合并为一次更新, 同一服务器的列表只构建一次
func (s *Server) flushLazy(ctx context.Context) {
	lists := make(map[snowflake.ID]lazy.List)
	s.registry.Range(func(session *Session) bool {
		s.flushSession(ctx, session, lists)
		return true
	})
}

func (s *Server) flushSession(ctx context.Context, session *Session, lists map[snowflake.ID]lazy.List) {
	session.lazyMu.Lock()
	defer session.lazyMu.Unlock()
	for guildID := range session.dirty {
		reset := session.resetView[guildID]
		list, ok := lists[guildID]
		if !ok {
			repoCtx, cancel := s.repoContext(ctx)
			built, err := s.buildMemberList(repoCtx, guildID)
			cancel()
			if repository.IsNotFound(err) {
				delete(session.views, guildID)
				delete(session.dirty, guildID)
				delete(session.resetView, guildID)
				continue
			}
			if err != nil {
				// 保留脏标记, 下个周期重试
				logger.WarnF("[%s] Fail to rebuild member list of guild %s: %v", session.id, guildID, err)
				continue
			}
			lists[guildID] = built
			list = built
		}
		delete(session.dirty, guildID)
		delete(session.resetView, guildID)

		view := session.views[guildID]
		var ops []lazy.Op
		if reset {
			ops = view.Reset(list)
		} else {
			ops = view.Apply(list)
		}
		if len(ops) == 0 {
			continue
		}
		data, err := json.Marshal(view.Payload(ops))
		if err != nil {
			logger.ErrorF("[%s] Fail to encode member list update: %v", session.id, err)
			continue
		}
		if _, err := session.Dispatch(lazy.EventMemberListUpdate, data); err != nil && !errors.Is(err, ErrSessionClosed) {
			logger.ErrorF("[%s] Fail to dispatch member list update: %v", session.id, err)
		}
	}
}
