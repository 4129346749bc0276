package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/packet"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	gatewayVersion       = 9
	relationshipFriend   = 1
	defaultSettingStatus = presence.StatusOnline
)

type guildStub struct {
	ID          snowflake.ID `json:"id"`
	Unavailable bool         `json:"unavailable"`
}

type relationship struct {
	ID   snowflake.ID `json:"id"`
	Type int          `json:"type"`
}

type readyPayload struct {
	V                int                      `json:"v"`
	User             *repository.User         `json:"user"`
	UserSettings     *repository.UserSettings `json:"user_settings"`
	Guilds           []guildStub              `json:"guilds"`
	Relationships    []relationship           `json:"relationships"`
	SessionID        string                   `json:"session_id"`
	ResumeGatewayURL string                   `json:"resume_gateway_url"`
}

type guildSnapshot struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	Icon        string       `json:"icon"`
	MemberCount int          `json:"member_count"`
}

type mergedPresences struct {
	Friends []presence.Update `json:"friends"`
}

type readySupplementalPayload struct {
	MergedPresences mergedPresences `json:"merged_presences"`
	Guilds          []guildSnapshot `json:"guilds"`
}

// readyData IDENTIFY 成功后按顺序发出的两条事件
type readyData struct {
	ready        json.RawMessage
	supplemental json.RawMessage
	settings     *repository.UserSettings
	now          time.Time
}

// initialPresence IDENTIFY 中携带的状态优先, 否则使用保存的状态与自定义状态
func (r *readyData) initialPresence(requested *packet.StatusUpdatePacket) (string, []repository.Activity) {
	status := r.settings.Status
	if status == "" {
		status = defaultSettingStatus
	}
	var activities []repository.Activity
	if activity := r.settings.CustomStatus.Activity(r.now); activity != nil {
		activities = []repository.Activity{*activity}
	}
	if requested != nil {
		if requested.Status != "" {
			status = requested.Status
		}
		if requested.Activities != nil {
			activities = requested.Activities
		}
	}
	return status, activities
}

func (s *Server) resumeGatewayURL() string {
	if s.opts.GatewayHost == "" {
		return ""
	}
	return "wss://" + s.opts.GatewayHost
}

func (s *Server) buildReady(ctx context.Context, session *Session) (*readyData, error) {
	repo := s.deps.Repo
	user, err := repo.GetUser(ctx, session.userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	settings, err := repo.GetUserSettings(ctx, session.userID)
	switch {
	case repository.IsNotFound(err):
		settings = &repository.UserSettings{UserID: session.userID, Status: defaultSettingStatus}
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	}
	guildIDs, err := repo.UserGuildIDs(ctx, session.userID)
	if err != nil {
		return nil, fmt.Errorf("load guilds: %w", err)
	}
	friendIDs, err := repo.FriendIDs(ctx, session.userID)
	if err != nil {
		return nil, fmt.Errorf("load friends: %w", err)
	}

	ready := readyPayload{
		V:                gatewayVersion,
		User:             user,
		UserSettings:     settings,
		Guilds:           make([]guildStub, 0, len(guildIDs)),
		Relationships:    make([]relationship, 0, len(friendIDs)),
		SessionID:        session.id,
		ResumeGatewayURL: s.resumeGatewayURL(),
	}
	supplemental := readySupplementalPayload{
		MergedPresences: mergedPresences{Friends: []presence.Update{}},
		Guilds:          make([]guildSnapshot, 0, len(guildIDs)),
	}

	for _, id := range guildIDs {
		ready.Guilds = append(ready.Guilds, guildStub{ID: id, Unavailable: true})
		guild, err := repo.GetGuild(ctx, id)
		if repository.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load guild %s: %w", id, err)
		}
		supplemental.Guilds = append(supplemental.Guilds, guildSnapshot{
			ID:          guild.ID,
			Name:        guild.Name,
			Icon:        guild.Icon,
			MemberCount: guild.MemberCount,
		})
	}
	for _, id := range friendIDs {
		ready.Relationships = append(ready.Relationships, relationship{ID: id, Type: relationshipFriend})
		if update := s.deps.Presence.Get(id); update.Status != presence.StatusOffline {
			supplemental.MergedPresences.Friends = append(supplemental.MergedPresences.Friends, update)
		}
	}

	result := &readyData{settings: settings, now: time.Now()}
	if result.ready, err = json.Marshal(ready); err != nil {
		return nil, err
	}
	if result.supplemental, err = json.Marshal(supplemental); err != nil {
		return nil, err
	}
	return result, nil
}
