package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"SupportChat/server/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Name   string      `json:"name,omitempty"`
	Role   models.Role `json:"role"`
	ChatID string      `json:"chat_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 tokens for admins and visitors.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

func (s *TokenSigner) Issue(id models.Identity, now time.Time) (string, error) {
	claims := Claims{
		Name:   id.Name,
		Role:   id.Role,
		ChatID: id.ChatID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenSigner) Parse(tokenStr string) (models.Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	if claims.Role == models.RoleUser && claims.ChatID == "" {
		return models.Identity{}, fmt.Errorf("%w: visitor token without chat", ErrInvalidToken)
	}

	return models.Identity{
		ID:     claims.Subject,
		Name:   claims.Name,
		Role:   claims.Role,
		ChatID: claims.ChatID,
	}, nil
}
