package jwt

import (
	"errors"
	"fmt"
	"time"

	"account_service/internal/config"
	"account_service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// Manager issues and verifies signed access and refresh tokens. The two
// token classes are signed with different secrets so that an access-token
// secret compromise cannot be used to forge refresh tokens.
type Manager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func New(cfg config.Tokens) *Manager {
	return &Manager{
		accessSecret:  []byte(cfg.AccessTokenSecret),
		refreshSecret: []byte(cfg.RefreshTokenSecret),
		accessTTL:     cfg.AccessTokenTTL,
		refreshTTL:    cfg.RefreshTokenTTL,
	}
}

func (m *Manager) NewAccessToken(userID string) (string, error) {
	return sign(userID, m.accessSecret, m.accessTTL)
}

func (m *Manager) NewRefreshToken(userID string) (string, error) {
	return sign(userID, m.refreshSecret, m.refreshTTL)
}

// NewTokenPair issues both tokens. Persisting the refresh token on the
// account is the caller's responsibility.
func (m *Manager) NewTokenPair(userID string) (models.TokenPair, error) {
	const op = "jwt.NewTokenPair"

	access, err := m.NewAccessToken(userID)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	refresh, err := m.NewRefreshToken(userID)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (m *Manager) ParseAccessToken(token string) (Claims, error) {
	return parse(token, m.accessSecret)
}

func (m *Manager) ParseRefreshToken(token string) (Claims, error) {
	return parse(token, m.refreshSecret)
}

func sign(userID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	})

	return token.SignedString(secret)
}

func parse(tokenStr string, secret []byte) (Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}

	if !token.Valid || claims.UserID == "" {
		return Claims{}, ErrTokenInvalid
	}

	return *claims, nil
}
