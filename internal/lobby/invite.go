package lobby

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidInvite indicates an invite token that failed verification.
var ErrInvalidInvite = errors.New("invalid invite token")

// inviteClaims carries only the session being invited to. Identity and
// trust stay external; the token just makes join links unguessable.
type inviteClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// NewInviteToken signs a join link token for the session.
func NewInviteToken(secret []byte, sessionID uuid.UUID, ttl time.Duration) (string, error) {
	claims := inviteClaims{
		SessionID: sessionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign invite token: %w", err)
	}
	return signed, nil
}

// ParseInviteToken verifies a join link token and returns its session ID.
func ParseInviteToken(secret []byte, token string) (uuid.UUID, error) {
	var claims inviteClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, ErrInvalidInvite
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil, ErrInvalidInvite
	}
	return sessionID, nil
}
