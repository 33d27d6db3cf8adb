package middleware

import (
	"errors"
	"strings"
	"time"

	apperrors "SafeHerHub/pkg/errors"
	"SafeHerHub/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// 上下文键
const (
	UserIDKey = "user_id"
	RoleKey   = "role"
)

const tokenIssuer = "safeherhub"

// JWTClaims JWT声明结构
type JWTClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Generate 生成JWT token
func (t *TokenIssuer) Generate(userID, role string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.expiry)
	claims := JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	return signed, expiresAt, err
}

// Parse 校验 token 并返回声明
func (t *TokenIssuer) Parse(raw string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func bearerToken(c *gin.Context, allowQuery bool) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if allowQuery {
		// 浏览器 WebSocket 无法设置请求头
		return c.Query("token")
	}
	return ""
}

// JWTMiddleware JWT认证中间件。allowQuery 为 true 时也接受 ?token=
func JWTMiddleware(issuer *TokenIssuer, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c, allowQuery)
		if raw == "" {
			response.Fail(c, apperrors.Unauthorized("No token, authorization denied"))
			return
		}
		claims, err := issuer.Parse(raw)
		if err != nil {
			response.Fail(c, apperrors.Unauthorized("Token is not valid"))
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// CurrentUserID 当前请求的用户 ID，未认证时为空
func CurrentUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
