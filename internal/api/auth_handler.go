package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/utils"
	"go.uber.org/zap"
)

// AuthHandler 现场人员用PIN换取令牌
type AuthHandler struct {
	tokens *utils.TokenManager
	hashes map[string]string // 角色 -> PIN哈希
	log    *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(tokens *utils.TokenManager, hashes map[string]string, log *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, hashes: hashes, log: log}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role" binding:"required"`
	PIN     string `json:"pin" binding:"required"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login 校验PIN并签发令牌
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Subject == "" {
		req.Subject = req.Role
	}

	hash, ok := h.hashes[req.Role]
	if !ok {
		badRequest(c, "unknown role "+req.Role)
		return
	}
	if err := utils.VerifyPIN(req.PIN, hash); err != nil {
		h.log.Warn("PIN校验失败",
			zap.String("subject", req.Subject),
			zap.String("role", req.Role),
			zap.String("ip", c.ClientIP()),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_PIN",
			"message": "PIN错误",
		})
		return
	}

	token, err := h.tokens.GenerateToken(req.Subject, req.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "签发令牌失败", Details: err.Error()})
		return
	}
	h.log.Info("签发令牌", zap.String("subject", req.Subject), zap.String("role", req.Role))
	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		Role:      req.Role,
		ExpiresAt: time.Now().Add(h.tokens.Expiry()),
	})
}
