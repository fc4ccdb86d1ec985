package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/utils"
)

// AuthMiddleware 维护令牌认证中间件
//
// manager 为空时不做认证，所有请求放行。
type AuthMiddleware struct {
	manager *utils.TokenManager
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(manager *utils.TokenManager) *AuthMiddleware {
	return &AuthMiddleware{manager: manager}
}

// Enabled 是否启用认证
func (m *AuthMiddleware) Enabled() bool {
	return m != nil && m.manager != nil
}

// RequireRole 需要特定角色的中间件
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "NO_TOKEN",
				"message": "缺少认证令牌",
			})
			return
		}

		claims, err := m.manager.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "无效的令牌",
				"details": err.Error(),
			})
			return
		}

		if !utils.HasRole(claims.Role, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "INSUFFICIENT_PERMISSION",
				"message": "权限不足",
			})
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	if bearer := c.GetHeader("Authorization"); bearer != "" {
		parts := strings.SplitN(bearer, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}
	// 浏览器 WebSocket 无法设置请求头
	return c.Query("token")
}

// GetSubject 从上下文获取令牌主体
func GetSubject(c *gin.Context) (string, bool) {
	if v, exists := c.Get("subject"); exists {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
