package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/lazy"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/packet"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// ConnectionHandler 单条客户端连接, 读循环只在一个协程内运行
type ConnectionHandler struct {
	server    *Server
	connID    string
	socket    *connection.Socket
	transport connection.Compression
	limiter   *rate.Limiter
	heartbeat chan struct{}
	state     State
	session   *Session
}

func newConnectionHandler(server *Server, conn *websocket.Conn, opts connection.SocketOptions) *ConnectionHandler {
	connID := uuid.NewString()
	period := server.opts.RatePeriod / time.Duration(server.opts.RateLimit)
	return &ConnectionHandler{
		server:    server,
		connID:    connID,
		socket:    connection.NewSocket(conn, connID, opts),
		transport: opts.Compression,
		limiter:   rate.NewLimiter(rate.Every(period), server.opts.RateLimit),
		heartbeat: make(chan struct{}, 1),
		state:     StateAwaitingHello,
	}
}

func (c *ConnectionHandler) close(code protocol.CloseCode, reason string) {
	metrics.GatewayCloses.WithLabelValues(strconv.Itoa(int(code))).Inc()
	c.socket.Close(int(code), reason)
}

// fail 将处理错误转换为关闭码, 内部错误不向客户端暴露细节
func (c *ConnectionHandler) fail(err error) {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		logger.WarnF("[%s] Closing connection with %d: %s", c.connID, int(closeErr.Code), closeErr.Reason)
		c.close(closeErr.Code, closeErr.Reason)
		return
	}
	logger.ErrorF("[%s] Unexpected error, details: %v", c.connID, err)
	c.close(protocol.CloseUnknownError, protocol.CloseUnknownError.String())
}

func (c *ConnectionHandler) watchdog() {
	timeout := time.Duration(float64(c.server.opts.HeartbeatInterval) * c.server.opts.ZombieFactor)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.heartbeat:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			logger.WarnF("[%s] No heartbeat within %s", c.connID, timeout)
			c.close(protocol.CloseSessionTimedOut, "heartbeat timeout")
			return
		case <-c.socket.Done():
			return
		}
	}
}

func (c *ConnectionHandler) beat() {
	select {
	case c.heartbeat <- struct{}{}:
	default:
	}
}

func (c *ConnectionHandler) handlePacket() {
	for {
		data, err := c.socket.ReadMessage()
		if err != nil {
			connection.HandleReadError(c.connID, err)
			return
		}
		if !c.limiter.Allow() {
			c.fail(closeWith(protocol.CloseRateLimited, "too many frames"))
			return
		}
		frame, err := packet.ParseFrame(data)
		if err != nil {
			c.fail(closeWith(protocol.CloseDecodeError, "%v", err))
			return
		}
		logger.DebugF("[%s] Receive %s frame", c.connID, frame.Op)
		if err := c.handleFrame(frame); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *ConnectionHandler) handleFrame(frame *packet.ClientFrame) error {
	if !protocol.IsClientOp(frame.Op) {
		return closeWith(protocol.CloseUnknownOpcode, "unknown opcode %d", int(frame.Op))
	}
	if protocol.RequiresSession(frame.Op) && c.session == nil {
		return closeWith(protocol.CloseNotAuthenticated, "%s before identify", frame.Op)
	}

	switch frame.Op {
	case protocol.OpHeartbeat:
		if _, err := packet.ParseHeartbeatPacket(frame.D); err != nil {
			return closeWith(protocol.CloseDecodeError, "%v", err)
		}
		c.beat()
		return c.socket.Send(packet.NewHeartbeatAckPacket())
	case protocol.OpIdentify:
		if c.session != nil {
			return closeWith(protocol.CloseAlreadyAuthenticated, "already identified")
		}
		return c.handleIdentify(frame.D)
	case protocol.OpResume:
		if c.session != nil {
			return closeWith(protocol.CloseAlreadyAuthenticated, "already identified")
		}
		return c.handleResume(frame.D)
	case protocol.OpStatusUpdate:
		return c.handleStatusUpdate(frame.D)
	case protocol.OpLazyRequest:
		return c.handleLazyRequest(frame.D)
	case protocol.OpRequestGuildMembers:
		return c.handleGuildMembersRequest(frame.D)
	}
	return nil
}

// authenticate 令牌无效 4004, 仓储故障 4000
func (c *ConnectionHandler) authenticate(ctx context.Context, token string) (snowflake.ID, error) {
	userID, err := c.server.deps.Repo.ValidateSession(ctx, token)
	switch {
	case err == nil:
		return userID, nil
	case repository.IsNotFound(err):
		return 0, closeWith(protocol.CloseAuthenticationFailed, "authentication failed")
	default:
		logger.ErrorF("[%s] Fail to validate token, details: %v", c.connID, err)
		return 0, closeWith(protocol.CloseUnknownError, "authentication unavailable")
	}
}

func (c *ConnectionHandler) handleIdentify(d json.RawMessage) error {
	payload, err := packet.ParseIdentifyPacket(d)
	if err != nil {
		return closeWith(protocol.CloseDecodeError, "%v", err)
	}
	ctx, cancel := c.server.repoContext(context.Background())
	defer cancel()

	userID, err := c.authenticate(ctx, payload.Token)
	if err != nil {
		return err
	}

	session := newSession(userID, payload.EffectiveIntents(), payload.Properties.Platform(), c.server.opts.ReplayCapacity)
	ready, err := c.server.buildReady(ctx, session)
	if err != nil {
		logger.ErrorF("[%s] Fail to build READY for user %s, details: %v", c.connID, userID, err)
		return closeWith(protocol.CloseUnknownError, "ready unavailable")
	}

	status, activities := ready.initialPresence(payload.Presence)
	session.status = status
	session.activities = activities
	session.compress = payload.Compress
	if payload.Compress && c.transport == connection.CompressionNone {
		c.socket.SetPayloadCompression(true)
	}

	// 注册后才能收到事件, 持锁保证 READY 与 READY_SUPPLEMENTAL 占据 s=1 与 s=2
	session.mu.Lock()
	session.attach(c.connID, c.socket)
	metrics.GatewaySessions.WithLabelValues(StateReady.String()).Inc()
	c.server.registry.Add(session)
	c.server.registry.Bind(c.connID, session)
	for _, ev := range []struct {
		name string
		data json.RawMessage
	}{{EventReady, ready.ready}, {EventReadySupplemental, ready.supplemental}} {
		if _, err := session.dispatchLocked(ev.name, ev.data); err != nil {
			session.mu.Unlock()
			c.server.registry.Remove(session)
			return err
		}
	}
	session.mu.Unlock()

	c.session = session
	c.state = StateReady
	logger.InfoF("[%s] User %s identified, session %s, intents %d", c.connID, userID, session.id, session.intents)

	c.server.deps.Presence.Connect(ctx, userID, session.id, session.platform, status, activities)
	return nil
}

// invalidSession 会话无法恢复, 要求客户端重新 IDENTIFY
func (c *ConnectionHandler) invalidSession(reason string) error {
	_ = c.socket.Send(packet.NewInvalidSessionPacket(false))
	_ = c.socket.Send(packet.NewReconnectPacket())
	return closeWith(protocol.CloseSessionTimedOut, "%s", reason)
}

func (c *ConnectionHandler) handleResume(d json.RawMessage) error {
	payload, err := packet.ParseResumePacket(d)
	if err != nil {
		return closeWith(protocol.CloseDecodeError, "%v", err)
	}
	ctx, cancel := c.server.repoContext(context.Background())
	defer cancel()

	userID, err := c.authenticate(ctx, payload.Token)
	if err != nil {
		return err
	}

	session, ok := c.server.registry.LookupBySession(payload.SessionID)
	if !ok || session.UserID() != userID {
		logger.WarnF("[%s] Resume of unknown session %s by user %s", c.connID, payload.SessionID, userID)
		return c.invalidSession("unknown session")
	}

	session.mu.Lock()
	compress := session.compress
	session.mu.Unlock()
	if compress && c.transport == connection.CompressionNone {
		c.socket.SetPayloadCompression(true)
	}

	if err := session.resume(c.connID, c.socket, payload.Seq); err != nil {
		if errors.Is(err, ErrSeqUnavailable) || errors.Is(err, ErrSessionNotFound) {
			logger.WarnF("[%s] Session %s cannot resume from s=%d: %v", c.connID, session.id, payload.Seq, err)
			return c.invalidSession(err.Error())
		}
		return err
	}

	c.session = session
	c.state = StateReady
	c.server.registry.Bind(c.connID, session)

	status, activities := session.presence()
	c.server.deps.Presence.Connect(ctx, userID, session.id, session.platform, status, activities)
	return nil
}

func (c *ConnectionHandler) handleStatusUpdate(d json.RawMessage) error {
	payload, err := packet.ParseStatusUpdatePacket(d)
	if err != nil {
		return closeWith(protocol.CloseDecodeError, "%v", err)
	}
	ctx, cancel := c.server.repoContext(context.Background())
	defer cancel()
	c.session.setPresence(payload.Status, payload.Activities)
	update := c.server.deps.Presence.SetStatus(ctx, c.session.userID, payload.Status, payload.Activities)
	logger.DebugF("[%s] User %s status set to %q, visible as %s", c.connID, c.session.userID, payload.Status, update.Status)
	return nil
}

// isMember 非成员或服务器不存在时忽略请求
func (c *ConnectionHandler) isMember(ctx context.Context, guildID snowflake.ID) bool {
	perms, err := c.server.deps.Repo.GuildPermissions(ctx, c.session.userID, guildID)
	if err != nil {
		if !repository.IsNotFound(err) {
			logger.ErrorF("[%s] Fail to check membership of guild %s, details: %v", c.connID, guildID, err)
		}
		return false
	}
	return perms.Has(permissions.ViewChannel)
}

func (c *ConnectionHandler) handleLazyRequest(d json.RawMessage) error {
	payload, err := packet.ParseLazyRequestPacket(d)
	if err != nil {
		return closeWith(protocol.CloseDecodeError, "%v", err)
	}
	ctx, cancel := c.server.repoContext(context.Background())
	defer cancel()

	if !c.isMember(ctx, payload.GuildID) {
		logger.DebugF("[%s] Ignoring lazy request for guild %s", c.connID, payload.GuildID)
		return nil
	}
	list, err := c.server.buildMemberList(ctx, payload.GuildID)
	if err != nil {
		logger.ErrorF("[%s] Fail to build member list of guild %s, details: %v", c.connID, payload.GuildID, err)
		return nil
	}

	ranges := make([]lazy.Range, 0, len(payload.Ranges()))
	for _, r := range payload.Ranges() {
		ranges = append(ranges, lazy.Range(r))
	}

	session := c.session
	session.lazyMu.Lock()
	defer session.lazyMu.Unlock()
	view := session.view(payload.GuildID)
	view.SubscribeMembers(payload.Members)
	ops := view.Subscribe(list, ranges)
	delete(session.dirty, payload.GuildID)
	delete(session.resetView, payload.GuildID)
	data, err := json.Marshal(view.Payload(ops))
	if err != nil {
		return err
	}
	_, err = session.Dispatch(lazy.EventMemberListUpdate, data)
	return err
}

type guildMembersChunk struct {
	GuildID    snowflake.ID        `json:"guild_id"`
	Members    []repository.Member `json:"members"`
	ChunkIndex int                 `json:"chunk_index"`
	ChunkCount int                 `json:"chunk_count"`
	NotFound   []snowflake.ID      `json:"not_found,omitempty"`
	Presences  []presence.Update   `json:"presences,omitempty"`
	Nonce      string              `json:"nonce,omitempty"`
}

func (c *ConnectionHandler) handleGuildMembersRequest(d json.RawMessage) error {
	payload, err := packet.ParseGuildMembersRequestPacket(d)
	if err != nil {
		return closeWith(protocol.CloseDecodeError, "%v", err)
	}
	ctx, cancel := c.server.repoContext(context.Background())
	defer cancel()

	if !c.isMember(ctx, payload.GuildID) {
		logger.DebugF("[%s] Ignoring guild members request for guild %s", c.connID, payload.GuildID)
		return nil
	}

	chunk := guildMembersChunk{GuildID: payload.GuildID, ChunkCount: 1, Nonce: payload.Nonce}
	if len(payload.UserIDs) > 0 {
		members, err := c.server.deps.Repo.GuildMembers(ctx, payload.GuildID)
		if err != nil {
			logger.ErrorF("[%s] Fail to load members of guild %s, details: %v", c.connID, payload.GuildID, err)
			return nil
		}
		byID := make(map[snowflake.ID]repository.Member, len(members))
		for _, m := range members {
			byID[m.User.ID] = m
		}
		for _, id := range payload.UserIDs {
			if m, ok := byID[id]; ok && len(chunk.Members) < payload.Limit {
				chunk.Members = append(chunk.Members, m)
			} else if !ok {
				chunk.NotFound = append(chunk.NotFound, id)
			}
		}
	} else {
		members, err := c.server.deps.Repo.SearchGuildMembers(ctx, payload.GuildID, payload.Query, payload.Limit)
		if err != nil {
			logger.ErrorF("[%s] Fail to search members of guild %s, details: %v", c.connID, payload.GuildID, err)
			return nil
		}
		chunk.Members = members
	}
	if chunk.Members == nil {
		chunk.Members = []repository.Member{}
	}
	if payload.Presences {
		for _, m := range chunk.Members {
			chunk.Presences = append(chunk.Presences, c.server.deps.Presence.Get(m.User.ID))
		}
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = c.session.Dispatch(EventGuildMembersChunk, data)
	return err
}

func (c *ConnectionHandler) cleanup() {
	c.socket.Close(int(protocol.CloseNormal), "")
	if c.session == nil {
		logger.DebugF("[%s] Connection closed before identify", c.connID)
		return
	}
	session := c.session
	c.server.registry.Unbind(c.connID)
	if !session.detach(c.connID, c.server.opts.ResumeWindow, func(gen uint64) { c.server.expire(session, gen) }) {
		logger.DebugF("[%s] Session %s already moved to another connection", c.connID, session.id)
		return
	}
	c.server.deps.Presence.Disconnect(session.userID, session.id)
	logger.InfoF("[%s] Session %s detached, resumable for %s", c.connID, session.id, c.server.opts.ResumeWindow)
}

func (c *ConnectionHandler) handleConnection() {
	defer func() {
		c.cleanup()
		logger.DebugF("[%s] Connection closed", c.connID)
	}()

	c.socket.SetReadLimit(c.server.opts.ReadLimit)
	if err := c.socket.Send(packet.NewHelloPacket(c.server.opts.HeartbeatInterval)); err != nil {
		logger.WarnF("[%s] Fail to send HELLO, details: %v", c.connID, err)
		return
	}
	c.state = StateAwaitingIdentify
	go c.watchdog()

	c.handlePacket()
}
