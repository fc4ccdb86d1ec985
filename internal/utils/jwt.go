package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrEmptySecret  = errors.New("token secret is empty")
)

// 维护令牌角色
const (
	RoleOperator    = "operator"    // 只读
	RoleMaintenance = "maintenance" // 可创建实例、修改配置
)

const tokenIssuer = "kiosk-devices"

// TokenClaims 维护令牌 Claims
type TokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager 签发和校验维护令牌
type TokenManager struct {
	secretKey []byte
	expiry    time.Duration
}

// NewTokenManager 创建令牌管理器
func NewTokenManager(secretKey string, expiry time.Duration) *TokenManager {
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &TokenManager{
		secretKey: []byte(secretKey),
		expiry:    expiry,
	}
}

// Expiry 令牌有效期
func (m *TokenManager) Expiry() time.Duration {
	return m.expiry
}

// GenerateToken 签发令牌
func (m *TokenManager) GenerateToken(subject, role string) (string, error) {
	if len(m.secretKey) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := &TokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateToken 校验令牌
func (m *TokenManager) ValidateToken(tokenString string) (*TokenClaims, error) {
	if len(m.secretKey) == 0 {
		return nil, ErrEmptySecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, err
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HasRole 角色是否满足要求，maintenance 包含 operator
func HasRole(have, want string) bool {
	if have == want {
		return true
	}
	return have == RoleMaintenance && want == RoleOperator
}
