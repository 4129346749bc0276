package database

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	UserCollectionName         = "users"
	SettingsCollectionName     = "user_settings"
	GuildCollectionName        = "guilds"
	MemberCollectionName       = "members"
	ChannelCollectionName      = "channels"
	RelationshipCollectionName = "relationships"
	AuthSessionCollectionName  = "auth_sessions"
)

var collectionsList = []string{
	UserCollectionName,
	SettingsCollectionName,
	GuildCollectionName,
	MemberCollectionName,
	ChannelCollectionName,
	RelationshipCollectionName,
	AuthSessionCollectionName,
}

// RelationshipType 与客户端约定一致: 1 好友, 2 屏蔽, 3 收到的请求, 4 发出的请求
type RelationshipType int

const (
	RelationshipFriend RelationshipType = iota + 1
	RelationshipBlocked
	RelationshipIncoming
	RelationshipOutgoing
)

type Relationship struct {
	UserID snowflake.ID     `bson:"user_id"`
	PeerID snowflake.ID     `bson:"peer_id"`
	Type   RelationshipType `bson:"type"`
}

// AuthSession 已签发凭据对应的服务端记录, 删除即吊销
type AuthSession struct {
	ID        string       `bson:"_id"`
	UserID    snowflake.ID `bson:"user_id"`
	CreatedAt time.Time    `bson:"created_at"`
}
