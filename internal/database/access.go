package database

import (
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

// directMessagePermissions 私信频道成员拥有的权限
const directMessagePermissions = permissions.ViewChannel |
	permissions.SendMessages |
	permissions.ReadMessageHistory |
	permissions.AddReactions |
	permissions.EmbedLinks |
	permissions.AttachFiles |
	permissions.UseExternalEmojis |
	permissions.MentionEveryone

func guildPermissions(userID snowflake.ID, guild *repository.Guild, member *repository.Member) permissions.Permissions {
	if member == nil {
		return 0
	}
	return permissions.ComputeBase(userID, guild.OwnerID, guild.ID, guild.RoleGrants(), member.Roles)
}

// channelPermissions guild 与 member 仅在服务器频道时使用
func channelPermissions(userID snowflake.ID, channel *repository.Channel, guild *repository.Guild, member *repository.Member) permissions.Permissions {
	if channel.IsPrivate() {
		for _, id := range channel.Recipients {
			if id == userID {
				return directMessagePermissions
			}
		}
		return 0
	}
	if guild == nil || member == nil {
		return 0
	}
	base := guildPermissions(userID, guild, member)
	return permissions.ApplyOverwrites(base, userID, guild.ID, member.Roles, channel.Overwrites)
}

// relatedSet 合并关联用户并去掉自身
func relatedSet(userID snowflake.ID, groups ...[]snowflake.ID) []snowflake.ID {
	set := snowflake.NewSet()
	for _, ids := range groups {
		for _, id := range ids {
			if id != userID {
				set.Add(id)
			}
		}
	}
	return set.Slice()
}
