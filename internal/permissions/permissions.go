// Package permissions implements the guild/channel permission bit set and the
// overwrite resolution used to decide whether a user may see an event.
package permissions

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

type Permissions uint64

const (
	CreateInstantInvite Permissions = 1 << iota
	KickMembers
	BanMembers
	Administrator
	ManageChannels
	ManageGuild
	AddReactions
	ViewAuditLog
	PrioritySpeaker
	Stream
	ViewChannel
	SendMessages
	SendTTSMessages
	ManageMessages
	EmbedLinks
	AttachFiles
	ReadMessageHistory
	MentionEveryone
	UseExternalEmojis
	ViewGuildInsights
	Connect
	Speak
	MuteMembers
	DeafenMembers
	MoveMembers
	UseVAD
	ChangeNickname
	ManageNicknames
	ManageRoles
	ManageWebhooks
	ManageEmojis
	UseApplicationCommands
)

const All Permissions = 1<<32 - 1

var names = map[Permissions]string{
	CreateInstantInvite:    "CREATE_INSTANT_INVITE",
	KickMembers:            "KICK_MEMBERS",
	BanMembers:             "BAN_MEMBERS",
	Administrator:          "ADMINISTRATOR",
	ManageChannels:         "MANAGE_CHANNELS",
	ManageGuild:            "MANAGE_GUILD",
	AddReactions:           "ADD_REACTIONS",
	ViewAuditLog:           "VIEW_AUDIT_LOG",
	PrioritySpeaker:        "PRIORITY_SPEAKER",
	Stream:                 "STREAM",
	ViewChannel:            "VIEW_CHANNEL",
	SendMessages:           "SEND_MESSAGES",
	SendTTSMessages:        "SEND_TTS_MESSAGES",
	ManageMessages:         "MANAGE_MESSAGES",
	EmbedLinks:             "EMBED_LINKS",
	AttachFiles:            "ATTACH_FILES",
	ReadMessageHistory:     "READ_MESSAGE_HISTORY",
	MentionEveryone:        "MENTION_EVERYONE",
	UseExternalEmojis:      "USE_EXTERNAL_EMOJIS",
	ViewGuildInsights:      "VIEW_GUILD_INSIGHTS",
	Connect:                "CONNECT",
	Speak:                  "SPEAK",
	MuteMembers:            "MUTE_MEMBERS",
	DeafenMembers:          "DEAFEN_MEMBERS",
	MoveMembers:            "MOVE_MEMBERS",
	UseVAD:                 "USE_VAD",
	ChangeNickname:         "CHANGE_NICKNAME",
	ManageNicknames:        "MANAGE_NICKNAMES",
	ManageRoles:            "MANAGE_ROLES",
	ManageWebhooks:         "MANAGE_WEBHOOKS",
	ManageEmojis:           "MANAGE_EMOJIS",
	UseApplicationCommands: "USE_APPLICATION_COMMANDS",
}

// Has reports whether every bit of required is granted. ADMINISTRATOR grants everything.
func (p Permissions) Has(required Permissions) bool {
	if p&Administrator == Administrator {
		return true
	}
	return p&required == required
}

func (p Permissions) String() string {
	if p == 0 {
		return "NONE"
	}
	var parts []string
	for bit := Permissions(1); bit != 0 && bit <= All; bit <<= 1 {
		if p&bit != 0 {
			if name, ok := names[bit]; ok {
				parts = append(parts, name)
			}
		}
	}
	return strings.Join(parts, "|")
}

// MarshalJSON encodes the mask as a decimal string, the wire format clients expect.
func (p Permissions) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(p), 10) + `"`), nil
}

func (p *Permissions) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return err
	}
	*p = Permissions(v)
	return nil
}

// OverwriteType 频道权限覆盖的目标类型
type OverwriteType int

const (
	OverwriteRole OverwriteType = iota
	OverwriteMember
)

type Overwrite struct {
	ID    snowflake.ID  `json:"id" bson:"id"`
	Type  OverwriteType `json:"type" bson:"type"`
	Allow Permissions   `json:"allow" bson:"allow"`
	Deny  Permissions   `json:"deny" bson:"deny"`
}

// RoleGrant is the minimal role view needed to compute base permissions.
type RoleGrant struct {
	ID          snowflake.ID
	Permissions Permissions
}

// ComputeBase returns the guild-level permissions of a member. The @everyone role
// shares its id with the guild.
func ComputeBase(userID, ownerID, guildID snowflake.ID, roles []RoleGrant, memberRoles []snowflake.ID) Permissions {
	if userID == ownerID {
		return All
	}
	held := snowflake.NewSet(memberRoles...)
	var base Permissions
	for _, role := range roles {
		if role.ID == guildID || held.Has(role.ID) {
			base |= role.Permissions
		}
	}
	if base&Administrator == Administrator {
		return All
	}
	return base
}

// ApplyOverwrites resolves channel overwrites on top of base: @everyone first,
// then the union of role overwrites (deny before allow), then the member overwrite.
func ApplyOverwrites(base Permissions, userID, guildID snowflake.ID, memberRoles []snowflake.ID, overwrites []Overwrite) Permissions {
	if base&Administrator == Administrator {
		return All
	}
	perms := base
	for _, ow := range overwrites {
		if ow.Type == OverwriteRole && ow.ID == guildID {
			perms &^= ow.Deny
			perms |= ow.Allow
			break
		}
	}

	held := snowflake.NewSet(memberRoles...)
	var allow, deny Permissions
	for _, ow := range overwrites {
		if ow.Type == OverwriteRole && ow.ID != guildID && held.Has(ow.ID) {
			allow |= ow.Allow
			deny |= ow.Deny
		}
	}
	perms &^= deny
	perms |= allow

	for _, ow := range overwrites {
		if ow.Type == OverwriteMember && ow.ID == userID {
			perms &^= ow.Deny
			perms |= ow.Allow
			break
		}
	}
	return perms
}
