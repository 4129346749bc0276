package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

type User struct {
	ID            snowflake.ID `json:"id" bson:"_id"`
	Username      string       `json:"username" bson:"username"`
	Discriminator string       `json:"discriminator" bson:"discriminator"`
	GlobalName    string       `json:"global_name,omitempty" bson:"global_name,omitempty"`
	Avatar        string       `json:"avatar" bson:"avatar"`
	Bot           bool         `json:"bot,omitempty" bson:"bot"`
}

// UserData is the colon separated user descriptor handed to a pending remote-auth device.
func (u *User) UserData() string {
	return fmt.Sprintf("%s:%s:%s:%s", u.ID, u.Discriminator, u.Avatar, u.Username)
}

func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type CustomStatus struct {
	Text      string     `json:"text,omitempty" bson:"text,omitempty"`
	EmojiName string     `json:"emoji_name,omitempty" bson:"emoji_name,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

type UserSettings struct {
	UserID       snowflake.ID  `json:"-" bson:"_id"`
	Status       string        `json:"status" bson:"status"`
	CustomStatus *CustomStatus `json:"custom_status" bson:"custom_status,omitempty"`
	Locale       string        `json:"locale" bson:"locale"`
	Theme        string        `json:"theme" bson:"theme"`
}

type Activity struct {
	Name    string `json:"name"`
	Type    int    `json:"type"`
	State   string `json:"state,omitempty"`
	Details string `json:"details,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ActivityCustomStatus is the activity type clients use to render a custom status.
const ActivityCustomStatus = 4

// Activity converts a saved custom status into the activity shown in presences.
func (c *CustomStatus) Activity(now time.Time) *Activity {
	if c == nil || (c.Text == "" && c.EmojiName == "") {
		return nil
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
		return nil
	}
	return &Activity{Name: "Custom Status", Type: ActivityCustomStatus, State: c.Text}
}

type Role struct {
	ID          snowflake.ID            `json:"id" bson:"id"`
	Name        string                  `json:"name" bson:"name"`
	Color       int                     `json:"color" bson:"color"`
	Hoist       bool                    `json:"hoist" bson:"hoist"`
	Position    int                     `json:"position" bson:"position"`
	Permissions permissions.Permissions `json:"permissions" bson:"permissions"`
}

type Guild struct {
	ID          snowflake.ID `json:"id" bson:"_id"`
	Name        string       `json:"name" bson:"name"`
	Icon        string       `json:"icon" bson:"icon"`
	OwnerID     snowflake.ID `json:"owner_id" bson:"owner_id"`
	Roles       []Role       `json:"roles" bson:"roles"`
	MemberCount int          `json:"member_count" bson:"member_count"`
}

func (g *Guild) RoleGrants() []permissions.RoleGrant {
	grants := make([]permissions.RoleGrant, 0, len(g.Roles))
	for _, r := range g.Roles {
		grants = append(grants, permissions.RoleGrant{ID: r.ID, Permissions: r.Permissions})
	}
	return grants
}

type Member struct {
	GuildID  snowflake.ID   `json:"guild_id,omitempty" bson:"guild_id"`
	User     User           `json:"user" bson:"user"`
	Nick     string         `json:"nick,omitempty" bson:"nick,omitempty"`
	Roles    []snowflake.ID `json:"roles" bson:"roles"`
	JoinedAt time.Time      `json:"joined_at" bson:"joined_at"`
}

func (m *Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.User.DisplayName()
}

// MatchesPrefix is the case-insensitive username/nickname match used by member search.
func (m *Member) MatchesPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	prefix = strings.ToLower(prefix)
	return strings.HasPrefix(strings.ToLower(m.User.Username), prefix) ||
		(m.Nick != "" && strings.HasPrefix(strings.ToLower(m.Nick), prefix))
}

type ChannelType int

const (
	ChannelGuildText ChannelType = 0
	ChannelDM        ChannelType = 1
	ChannelGroupDM   ChannelType = 3
)

type Channel struct {
	ID         snowflake.ID            `json:"id" bson:"_id"`
	Type       ChannelType             `json:"type" bson:"type"`
	GuildID    snowflake.ID            `json:"guild_id,omitempty" bson:"guild_id,omitempty"`
	Recipients []snowflake.ID          `json:"recipient_ids,omitempty" bson:"recipients,omitempty"`
	Overwrites []permissions.Overwrite `json:"permission_overwrites,omitempty" bson:"overwrites,omitempty"`
}

func (c *Channel) IsPrivate() bool {
	return c.Type == ChannelDM || c.Type == ChannelGroupDM
}
