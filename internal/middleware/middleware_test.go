package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/utils"
)

func newEngine(auth *AuthMiddleware, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(), RequestID())
	r.GET("/ok", auth.RequireRole(role), func(c *gin.Context) {
		subject, _ := GetSubject(c)
		c.JSON(http.StatusOK, gin.H{"subject": subject})
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func TestRequireRole(t *testing.T) {
	manager := utils.NewTokenManager("secret", time.Hour)
	maintenance, err := manager.GenerateToken("tech-01", utils.RoleMaintenance)
	require.NoError(t, err)
	operator, err := manager.GenerateToken("desk", utils.RoleOperator)
	require.NoError(t, err)

	tests := []struct {
		name   string
		role   string
		header string
		query  string
		want   int
	}{
		{"缺少令牌", utils.RoleOperator, "", "", http.StatusUnauthorized},
		{"无效令牌", utils.RoleOperator, "Bearer nope", "", http.StatusUnauthorized},
		{"维护令牌可读", utils.RoleOperator, "Bearer " + maintenance, "", http.StatusOK},
		{"只读令牌不可写", utils.RoleMaintenance, "Bearer " + operator, "", http.StatusForbidden},
		{"查询参数令牌", utils.RoleMaintenance, "", maintenance, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(NewAuthMiddleware(manager), tt.role)
			target := "/ok"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireRole_Disabled(t *testing.T) {
	r := newEngine(NewAuthMiddleware(nil), utils.RoleMaintenance)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestIDKept(t *testing.T) {
	r := newEngine(NewAuthMiddleware(nil), utils.RoleOperator)
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	r := newEngine(NewAuthMiddleware(nil), utils.RoleOperator)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
