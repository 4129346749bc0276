// Package repository defines the narrow read contract the real-time core needs
// from persistence. Implementations live in internal/database.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/permissions"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrTransient = errors.New("transient backend failure")
)

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// NotFound wraps ErrNotFound with the missing entity for logs.
func NotFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}

// Transient wraps ErrTransient around the driver error.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

type Repository interface {
	// ValidateSession resolves a client token to its user, ErrNotFound when the token is invalid or revoked.
	ValidateSession(ctx context.Context, token string) (snowflake.ID, error)
	GetUser(ctx context.Context, userID snowflake.ID) (*User, error)
	GetUserSettings(ctx context.Context, userID snowflake.ID) (*UserSettings, error)
	FriendIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
	// RelatedUserIDs is friends + co-members of every guild + DM co-recipients, without userID itself.
	RelatedUserIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
	ChannelRecipientIDs(ctx context.Context, channelID snowflake.ID) ([]snowflake.ID, error)
	GuildMemberIDs(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error)
	EffectivePermissions(ctx context.Context, userID, channelID snowflake.ID) (permissions.Permissions, error)
	GuildPermissions(ctx context.Context, userID, guildID snowflake.ID) (permissions.Permissions, error)
	UserGuildIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
	GetGuild(ctx context.Context, guildID snowflake.ID) (*Guild, error)
	GuildMembers(ctx context.Context, guildID snowflake.ID) ([]Member, error)
	SearchGuildMembers(ctx context.Context, guildID snowflake.ID, prefix string, limit int) ([]Member, error)
}

// SessionStore is the write side used when a new credential is minted (remote auth finish).
type SessionStore interface {
	CreateAuthSession(ctx context.Context, userID snowflake.ID) (string, error)
}

// Invalidator is implemented by caching repositories; the gateway calls it when
// guild or channel events show cached data went stale.
type Invalidator interface {
	InvalidateGuild(guildID snowflake.ID)
	InvalidateChannel(channelID snowflake.ID)
}
