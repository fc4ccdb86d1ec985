package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/drivers"
	"github.com/wfunc/kiosk-devices/internal/models"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/repository"
	"github.com/wfunc/kiosk-devices/internal/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type APITestSuite struct {
	suite.Suite
	db     *gorm.DB
	reg    *registry.Registry
	router *Router
}

func (s *APITestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.db = repository.SetupTestDB(s.T())
	s.reg = registry.New(registry.Options{
		Settings: repository.NewSettingsRepository(s.db),
		Timing:   device.Timing{PollInterval: 10 * time.Millisecond, ErrorInterval: 10 * time.Millisecond},
		Logger:   zap.NewNop(),
	})
	s.Require().NoError(drivers.Builtin(s.reg))
	s.router = NewRouter(Options{
		Registry: s.reg,
		DB:       s.db,
		Version:  "test",
		Logger:   zap.NewNop(),
	})
}

func (s *APITestSuite) TearDownTest() {
	s.reg.Shutdown(context.Background())
}

func (s *APITestSuite) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.GetEngine().ServeHTTP(w, req)
	return w
}

func (s *APITestSuite) decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *APITestSuite) createVirtual(path string) string {
	w := s.do(http.MethodPost, "/api/v1/instances", CreateInstanceRequest{
		Path:      path,
		Transport: registry.TransportVirtual,
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	return s.decode(w)["handle"].(string)
}

func (s *APITestSuite) TestHealth() {
	w := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal("healthy", body["status"])
	s.Equal("ok", body["database"])
	s.Equal(float64(4), body["drivers"])
	s.Equal(float64(0), body["instances"])
	s.NotEmpty(w.Header().Get("X-Request-ID"))
}

func (s *APITestSuite) TestDrivers() {
	w := s.do(http.MethodGet, "/api/v1/drivers", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(4), s.decode(w)["count"])

	w = s.do(http.MethodGet, "/api/v1/drivers?filter=Kiosk.Printer", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal(float64(1), body["count"])
	first := body["data"].([]interface{})[0].(map[string]interface{})
	s.Equal("Kiosk.Printer.Thermal", first["path"])
	s.Equal("/api/v1/drivers/Kiosk.Printer.Thermal/schema", first["params_url"])

	w = s.do(http.MethodGet, "/api/v1/drivers?filter=Kiosk.%5B", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APITestSuite) TestDriverSchema() {
	w := s.do(http.MethodGet, "/api/v1/drivers/Kiosk.Acceptor.Generic.Front/schema", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal("Kiosk.Acceptor.Generic", body["path"])

	names := make([]string, 0)
	for _, p := range body["params"].([]interface{}) {
		names = append(names, p.(map[string]interface{})["name"].(string))
	}
	s.Contains(names, "denominations")
	s.Contains(names, "acceptance_enabled")

	w = s.do(http.MethodGet, "/api/v1/drivers/Kiosk.Nothing.Here/schema", nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *APITestSuite) TestInstanceLifecycle() {
	handle := s.createVirtual("Kiosk.Acceptor.Generic.Front")

	w := s.do(http.MethodGet, "/api/v1/instances", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(1), s.decode(w)["count"])

	h, ok := s.reg.HandleOf("Kiosk.Acceptor.Generic.Front")
	s.Require().True(ok)
	d, _ := s.reg.Lookup(h)
	s.Require().Eventually(d.IsReady, 2*time.Second, 5*time.Millisecond)

	// 句柄和路径都能定位实例
	for _, id := range []string{handle, "Kiosk.Acceptor.Generic.Front"} {
		w = s.do(http.MethodGet, "/api/v1/instances/"+id, nil)
		s.Equal(http.StatusOK, w.Code)
		s.Equal(true, s.decode(w)["ready"])
	}

	w = s.do(http.MethodGet, "/api/v1/instances/"+handle+"/status", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var st StatusResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &st))
	s.Equal("Kiosk.Acceptor.Generic.Front", st.Path)
	s.True(st.Ready)

	w = s.do(http.MethodDelete, "/api/v1/instances/"+handle, nil)
	s.Equal(http.StatusNoContent, w.Code)

	w = s.do(http.MethodGet, "/api/v1/instances/"+handle, nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *APITestSuite) TestCreateErrors() {
	s.createVirtual("Kiosk.Printer.Thermal.Receipt")

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"重复路径", CreateInstanceRequest{Path: "Kiosk.Printer.Thermal.Receipt", Transport: registry.TransportVirtual}, http.StatusConflict},
		{"未知驱动", CreateInstanceRequest{Path: "Kiosk.Nothing.Here.A", Transport: registry.TransportVirtual}, http.StatusNotFound},
		{"缺少路径", map[string]interface{}{"transport": "virtual"}, http.StatusBadRequest},
		{"超时格式错误", CreateInstanceRequest{Path: "Kiosk.Acceptor.Generic.X", Transport: registry.TransportVirtual, Timeout: "soon"}, http.StatusBadRequest},
		{"参数类型错误", CreateInstanceRequest{
			Path:      "Kiosk.Acceptor.Generic.Y",
			Transport: registry.TransportVirtual,
			Params:    map[string]interface{}{"denominations": "many"},
		}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			w := s.do(http.MethodPost, "/api/v1/instances", tt.body)
			s.Equal(tt.want, w.Code, w.Body.String())
		})
	}
}

func (s *APITestSuite) TestConfigure() {
	handle := s.createVirtual("Kiosk.Acceptor.Generic.Front")

	w := s.do(http.MethodPut, "/api/v1/instances/"+handle+"/params", map[string]interface{}{"denominations": 15})
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	params := s.decode(w)["params"].(map[string]interface{})
	s.Equal(float64(15), params["denominations"])

	w = s.do(http.MethodGet, "/api/v1/instances/"+handle+"/params", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(15), s.decode(w)["params"].(map[string]interface{})["denominations"])

	// 配置已持久化
	saved, err := repository.NewSettingsRepository(s.db).Load(context.Background(), "Kiosk.Acceptor.Generic.Front")
	s.Require().NoError(err)
	s.EqualValues(15, saved["denominations"])

	w = s.do(http.MethodPut, "/api/v1/instances/"+handle+"/params", map[string]interface{}{"acceptance_enabled": "maybe"})
	s.Equal(http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPut, "/api/v1/instances/"+handle+"/params", map[string]interface{}{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APITestSuite) TestEnableDisable() {
	handle := s.createVirtual("Kiosk.Dispenser.Hopper.Coins")
	d, _ := s.reg.Lookup(registry.Handle(handle))
	s.Require().Eventually(d.IsReady, 2*time.Second, 5*time.Millisecond)

	w := s.do(http.MethodPost, "/api/v1/instances/"+handle+"/disable", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("disabled", s.decode(w)["state"])

	w = s.do(http.MethodPost, "/api/v1/instances/"+handle+"/enable", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.NotEqual("disabled", s.decode(w)["state"])
}

func (s *APITestSuite) TestHistory() {
	events := repository.NewStatusEventRepository(s.db)
	now := time.Now()
	s.Require().NoError(events.CreateBatch(context.Background(), []*models.StatusEvent{
		{Path: "Kiosk.Acceptor.Generic.Front", State: "ready", Severity: "ok", Timestamp: now.UnixMilli()},
		{Path: "Kiosk.Acceptor.Generic.Front", State: "polling", Severity: "warning", Codes: "30", Timestamp: now.UnixMilli() + 1},
		{Path: "Kiosk.Printer.Thermal.Receipt", State: "ready", Severity: "ok", Timestamp: now.UnixMilli() + 2},
	}))

	w := s.do(http.MethodGet, "/api/v1/history?path=Kiosk.Acceptor.Generic.Front&limit=1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal(float64(2), body["total"])
	s.Equal(float64(1), body["limit"])
	s.Len(body["data"], 1)

	w = s.do(http.MethodGet, "/api/v1/protocol-logs?has_error=true", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(0), s.decode(w)["total"])

	w = s.do(http.MethodGet, "/api/v1/protocol-logs/stats", nil)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/v1/protocol-logs/cleanup?days=0", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/protocol-logs/cleanup?days=7", nil)
	s.Equal(http.StatusOK, w.Code)
	body = s.decode(w)
	s.Equal(float64(0), body["status_events"])
	s.Equal(float64(0), body["protocol_logs"])
}

func (s *APITestSuite) TestNoRoute() {
	w := s.do(http.MethodGet, "/api/v1/nothing", nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("NOT_FOUND", s.decode(w)["code"])
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func TestRouter_Auth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New(registry.Options{Logger: zap.NewNop()})
	require.NoError(t, drivers.Builtin(reg))
	defer reg.Shutdown(context.Background())

	manager := utils.NewTokenManager("secret", time.Hour)
	operator, err := manager.GenerateToken("desk", utils.RoleOperator)
	require.NoError(t, err)
	maintenance, err := manager.GenerateToken("tech-01", utils.RoleMaintenance)
	require.NoError(t, err)

	router := NewRouter(Options{Registry: reg, Tokens: manager, Logger: zap.NewNop()})

	tests := []struct {
		name   string
		method string
		target string
		token  string
		want   int
	}{
		{"健康检查不需要令牌", http.MethodGet, "/health", "", http.StatusOK},
		{"缺少令牌", http.MethodGet, "/api/v1/drivers", "", http.StatusUnauthorized},
		{"只读令牌可查询", http.MethodGet, "/api/v1/drivers", operator, http.StatusOK},
		{"只读令牌不可创建", http.MethodPost, "/api/v1/instances", operator, http.StatusForbidden},
		{"维护令牌可创建", http.MethodPost, "/api/v1/instances", maintenance, http.StatusBadRequest},
		{"未启用数据库时无历史接口", http.MethodGet, "/api/v1/history", operator, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, bytes.NewBufferString("{}"))
			req.Header.Set("Content-Type", "application/json")
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			router.GetEngine().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestOpenAPI(t *testing.T) {
	data, err := OpenAPIJSON()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
	paths := doc["paths"].(map[string]interface{})
	for _, p := range []string{
		"/health",
		"/api/v1/drivers",
		"/api/v1/instances",
		"/api/v1/instances/{id}/params",
		"/api/v1/history",
		"/ws/status",
	} {
		assert.Contains(t, paths, p)
	}
}

func TestOpenAPIRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New(registry.Options{Logger: zap.NewNop()})
	router := NewRouter(Options{Registry: reg, Swagger: true, Logger: zap.NewNop()})

	tests := []struct {
		name        string
		target      string
		contentType string
	}{
		{"YAML文档", "/openapi.yaml", "application/yaml"},
		{"JSON文档", "/openapi.json", "application/json"},
		{"Swagger文档", "/swagger/doc.json", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.GetEngine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, http.StatusOK, w.Code)
			if tt.contentType != "" {
				assert.Contains(t, w.Header().Get("Content-Type"), tt.contentType)
			}
			assert.Contains(t, w.Body.String(), "Kiosk Devices API")
		})
	}
}

func TestRouter_Login(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New(registry.Options{Logger: zap.NewNop()})
	require.NoError(t, drivers.Builtin(reg))
	defer reg.Shutdown(context.Background())

	hash, err := utils.HashPINWithParams("4711", utils.PINParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16})
	require.NoError(t, err)
	manager := utils.NewTokenManager("secret", time.Hour)
	router := NewRouter(Options{
		Registry:  reg,
		Tokens:    manager,
		PINHashes: map[string]string{utils.RoleMaintenance: hash},
		Logger:    zap.NewNop(),
	})

	login := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.GetEngine().ServeHTTP(w, req)
		return w
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"错误PIN", `{"role":"maintenance","pin":"0000"}`, http.StatusUnauthorized},
		{"未配置的角色", `{"role":"operator","pin":"4711"}`, http.StatusBadRequest},
		{"缺少PIN", `{"role":"maintenance"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, login(tt.body).Code)
		})
	}

	w := login(`{"subject":"tech-01","role":"maintenance","pin":"4711"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := manager.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "tech-01", claims.Subject)
	assert.Equal(t, utils.RoleMaintenance, claims.Role)

	// 签发的令牌可以调用写接口
	req := httptest.NewRequest(http.MethodPost, "/api/v1/instances", bytes.NewBufferString(`{"path":"Kiosk.Printer.Thermal.Receipt","transport":"virtual"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	w = httptest.NewRecorder()
	router.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
