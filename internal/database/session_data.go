package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

func NewAuthSession(userID snowflake.ID) *AuthSession {
	return &AuthSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
}

// sessionLookup 按会话 ID 查询凭据记录
type sessionLookup func(ctx context.Context, sessionID string) (*AuthSession, error)

// validateToken 校验签名后再确认会话记录存在且属于同一用户
func validateToken(ctx context.Context, signer *auth.Signer, token string, lookup sessionLookup) (snowflake.ID, error) {
	if signer == nil {
		return 0, repository.NotFound("session", "token")
	}
	claims, err := signer.Parse(token)
	if err != nil {
		return 0, repository.NotFound("session", "token")
	}
	userID, err := claims.UserID()
	if err != nil {
		return 0, repository.NotFound("session", claims.SessionID)
	}
	session, err := lookup(ctx, claims.SessionID)
	if err != nil {
		return 0, err
	}
	if session.UserID != userID {
		return 0, repository.NotFound("session", claims.SessionID)
	}
	return userID, nil
}
