package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/middleware"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/repository"
	"github.com/wfunc/kiosk-devices/internal/utils"
	ws "github.com/wfunc/kiosk-devices/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options 路由依赖，DB 为空时不提供历史查询
type Options struct {
	Registry      *registry.Registry
	DB            *gorm.DB
	Hub           *ws.Hub
	WebSocketPath string
	ReadBuffer    int
	WriteBuffer   int
	Tokens        *utils.TokenManager
	PINHashes     map[string]string // 角色 -> PIN哈希，需同时设置 Tokens
	Swagger       bool
	Version       string
	Logger        *zap.Logger
}

// Router API路由器
type Router struct {
	engine *gin.Engine
	opts   Options
	auth   *middleware.AuthMiddleware
	log    *zap.Logger

	login     *AuthHandler
	drivers   *DriverHandler
	instances *InstanceHandler
	history   *HistoryHandler
	websocket *WebSocketHandler
}

// NewRouter 创建路由器
func NewRouter(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = "/ws/status"
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger())

	r := &Router{
		engine:    engine,
		opts:      opts,
		auth:      middleware.NewAuthMiddleware(opts.Tokens),
		log:       log,
		drivers:   NewDriverHandler(opts.Registry),
		instances: NewInstanceHandler(opts.Registry, log),
	}
	if opts.Tokens != nil && len(opts.PINHashes) > 0 {
		r.login = NewAuthHandler(opts.Tokens, opts.PINHashes, log)
	}
	if opts.DB != nil {
		r.history = NewHistoryHandler(
			repository.NewStatusEventRepository(opts.DB),
			repository.NewProtocolLogRepository(opts.DB),
		)
	}
	if opts.Hub != nil {
		r.websocket = NewWebSocketHandler(opts.Hub, opts.ReadBuffer, opts.WriteBuffer, log)
	}

	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)
	registerOpenAPIRoutes(r.engine)
	if r.opts.Swagger {
		registerSwaggerRoutes(r.engine)
	}

	read := r.auth.RequireRole(utils.RoleOperator)
	write := r.auth.RequireRole(utils.RoleMaintenance)

	v1 := r.engine.Group("/api/v1")
	{
		if r.login != nil {
			v1.POST("/auth/login", r.login.Login)
		}

		drivers := v1.Group("/drivers", read)
		{
			drivers.GET("", r.drivers.List)
			drivers.GET("/:path/schema", r.drivers.Schema)
		}

		instances := v1.Group("/instances")
		{
			instances.GET("", read, r.instances.List)
			instances.POST("", write, r.instances.Create)
			instances.GET("/:id", read, r.instances.Get)
			instances.DELETE("/:id", write, r.instances.Delete)
			instances.GET("/:id/status", read, r.instances.Status)
			instances.GET("/:id/params", read, r.instances.Params)
			instances.PUT("/:id/params", write, r.instances.Configure)
			instances.POST("/:id/enable", write, r.instances.Enable)
			instances.POST("/:id/disable", write, r.instances.Disable)
		}

		if r.history != nil {
			v1.GET("/history", read, r.history.StatusEvents)
			logs := v1.Group("/protocol-logs", read)
			{
				logs.GET("", r.history.ProtocolLogs)
				logs.GET("/stats", r.history.ProtocolStats)
			}
			v1.POST("/protocol-logs/cleanup", write, r.history.Cleanup)
		}
	}

	if r.websocket != nil {
		r.engine.GET(r.opts.WebSocketPath, read, r.websocket.Status)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"version":   r.opts.Version,
		"drivers":   len(r.opts.Registry.ListAvailable("")),
		"instances": len(r.opts.Registry.Instances()),
	}
	if r.opts.Hub != nil {
		resp["websocket_clients"] = r.opts.Hub.GetOnlineCount()
	}

	if r.opts.DB != nil {
		sqlDB, err := r.opts.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			resp["status"] = "unhealthy"
			resp["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

// Handler HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// Server 带超时设置的HTTP服务
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer 创建HTTP服务
func NewServer(addr string, r *Router, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r.Handler(),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		log: r.log,
	}
}

// Start 后台监听，监听失败通过返回的通道报告
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API服务启动", zap.String("address", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
