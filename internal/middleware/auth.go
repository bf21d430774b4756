package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// Gin 上下文中的身份键
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

// InternalTokenHeader 是内部广播 API 使用的共享密钥请求头
const InternalTokenHeader = "X-Internal-Token"

// ErrMissingAuthHeader 定义一个自定义错误，用于表示请求没有携带 token
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// OptionalAuth 返回一个 Gin 中间件，验证可选的 JWT token。
// token 来自 Authorization: Bearer 头或 token 查询参数（浏览器的 WebSocket 无法设置请求头）。
// 没有 token 的请求以匿名身份继续；携带了 token 但验证失败的请求返回 401。
func OptionalAuth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for OptionalAuth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if errors.Is(err, ErrMissingAuthHeader) {
			logrus.Debug("Auth middleware: No token, continuing as anonymous")
			c.Next()
			return
		}
		if err != nil {
			logrus.Warnf("Auth middleware: Malformed token format: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			c.Abort()
			return
		}

		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: Invalid token")

			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) {
				if validationError.Errors&jwt.ValidationErrorExpired != 0 {
					logCtx.Warn("Reason: Token is expired")
				}
				if validationError.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
					logCtx.Warn("Reason: Token signature is invalid")
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		// JWT 数字默认为 float64，需要安全转换为 uint
		userIDFloat, ok := claims["user_id"].(float64)
		if !ok || userIDFloat <= 0 || userIDFloat != float64(uint(userIDFloat)) {
			logrus.Warnf("Auth middleware: 'user_id' claim is not a valid positive integer number: %v", claims["user_id"])
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}
		userID := uint(userIDFloat)
		username, _ := claims["username"].(string)

		c.Set(ContextUserID, userID)
		c.Set(ContextUsername, username)
		logrus.WithField("user_id", userID).Debug("Auth middleware: User authenticated via JWT")

		c.Next()
	}
}

// InternalToken 返回一个 Gin 中间件，校验内部调用方携带的共享密钥。
func InternalToken(token string) gin.HandlerFunc {
	if token == "" {
		panic("internal API token cannot be empty for InternalToken middleware")
	}
	expected := []byte(token)

	return func(c *gin.Context) {
		got := []byte(c.GetHeader(InternalTokenHeader))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.Request.URL.Path,
			}).Warn("InternalToken middleware: Rejected internal API call")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid internal token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractToken 从 Authorization 头或 token 查询参数中提取 Bearer Token
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, nil
		}
		return "", ErrMissingAuthHeader
	}
	// Authorization header 格式应为 "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}

// validateToken 解析并验证 JWT token 字符串
func validateToken(tokenStr string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		// 只接受 HMAC 签名
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token or claims type")
}
