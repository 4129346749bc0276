// Package auth signs and parses the client credentials consumed by ValidateSession.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

var (
	ErrInvalidKey   = errors.New("KEY must be a base64 encoded 16 byte secret")
	ErrInvalidToken = errors.New("invalid token")
)

type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() (snowflake.ID, error) {
	return snowflake.Parse(c.Subject)
}

type Signer struct {
	secret []byte
}

// NewSigner decodes the configured KEY.
func NewSigner(key string) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(secret) != 16 {
		return nil, ErrInvalidKey
	}
	return &Signer{secret: secret}, nil
}

// Sign 不写入 iat, 凭证需要放得进 2048 位密钥的 RSA-OAEP 明文
func (s *Signer) Sign(userID snowflake.ID, sessionID string) (string, error) {
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID.String(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func (s *Signer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
