package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/api"
	"github.com/wfunc/kiosk-devices/internal/config"
	"github.com/wfunc/kiosk-devices/internal/database"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/drivers"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/monitor"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/repository"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"github.com/wfunc/kiosk-devices/internal/utils"
	ws "github.com/wfunc/kiosk-devices/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 设备服务
type Server struct {
	cfgMu  sync.RWMutex
	cfg    *config.Config // 热加载时替换，通过 currentConfig 读取
	logger *zap.Logger

	db       *gorm.DB
	reg      *registry.Registry
	hub      *ws.Hub
	history  *monitor.HistorySink
	recorder *monitor.ProtocolRecorder
	http     *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	errCh  <-chan error
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
		issueToken  = flag.Bool("issue-token", false, "签发访问令牌后退出")
		role        = flag.String("role", utils.RoleMaintenance, "令牌角色 (operator/maintenance)")
		subject     = flag.String("subject", "technician", "令牌主体")
		hashPIN     = flag.String("hash-pin", "", "输出PIN哈希，填入 server.pin_hashes")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}
	if *hashPIN != "" {
		hash, err := utils.HashPIN(*hashPIN)
		if err != nil {
			fmt.Printf("生成PIN哈希失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if *issueToken {
		if err := printToken(cfg, *subject, *role); err != nil {
			fmt.Printf("签发令牌失败: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务已安全关闭")
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动服务
func (s *Server) Start() error {
	s.logger.Info("正在启动设备服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initDatabase(); err != nil {
		return err
	}
	if err := s.initRegistry(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化注册表失败")
	}
	s.initObservers()
	s.createDevices(s.cfg.Devices)
	s.startHTTP()

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	cfg := s.currentConfig()
	s.logger.Info("服务启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Int("instances", len(s.reg.Instances())),
	)
	return nil
}

// initDatabase 初始化数据库，未启用时跳过持久化
func (s *Server) initDatabase() error {
	if !s.cfg.Database.Enabled {
		s.logger.Info("数据库未启用，配置和历史不持久化")
		return nil
	}
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrConfigLoad, "初始化数据库连接失败")
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(database.GetDB(), logger.WithModule("database")); err != nil {
			return errors.Wrap(err, errors.ErrConfigLoad, "数据库迁移失败")
		}
	}
	if !database.IsConnected() {
		return errors.New(errors.ErrConfigLoad, "数据库连接检查失败")
	}
	s.db = database.GetDB()
	return nil
}

// initRegistry 创建注册表并加载驱动
func (s *Server) initRegistry() error {
	tracers := protocol.Tracers{monitor.LogTracer}
	if s.db != nil && s.cfg.Monitor.ProtocolLog {
		s.recorder = monitor.NewProtocolRecorder(repository.NewProtocolLogRepository(s.db), monitor.HistoryOptions{
			BatchSize: s.cfg.Monitor.BatchSize,
			Logger:    logger.WithModule("protocol-log"),
		})
		tracers = append(tracers, s.recorder)
	}

	engine := protocol.DefaultOptions()
	if s.cfg.Polling.CommandTimeout > 0 {
		engine.Timeout = s.cfg.Polling.CommandTimeout
	}
	if s.cfg.Polling.Retries > 0 {
		engine.Retries = s.cfg.Polling.Retries
	}

	opts := registry.Options{
		Tracer: tracers,
		Timing: device.Timing{
			PollInterval:     s.cfg.Polling.Interval,
			ErrorInterval:    s.cfg.Polling.ErrorInterval,
			MaxErrorInterval: s.cfg.Polling.MaxErrorInterval,
			ResetThreshold:   s.cfg.Polling.ResetThreshold,
		},
		Engine:          engine,
		NotifyQueueSize: s.cfg.Registry.NotifyQueueSize,
		Logger:          logger.WithModule("registry"),
	}
	if s.db != nil {
		opts.Settings = repository.NewSettingsRepository(s.db)
	}
	s.reg = registry.New(opts)

	if err := drivers.Builtin(s.reg); err != nil {
		return err
	}
	for _, dir := range s.cfg.Registry.SearchLocations {
		if _, err := s.reg.AddSearchLocation(dir); err != nil {
			s.logger.Warn("搜索目录不可用", zap.String("dir", dir), zap.Error(err))
		}
	}
	s.logger.Info("驱动已加载", zap.Strings("drivers", s.reg.ListAvailable("")))
	return nil
}

// initObservers 订阅状态通知
func (s *Server) initObservers() {
	s.reg.Subscribe(monitor.NewLogSink(logger.WithModule("status"), s.reg.Catalog()))

	if s.db != nil && s.cfg.Monitor.History {
		s.history = monitor.NewHistorySink(repository.NewStatusEventRepository(s.db), monitor.HistoryOptions{
			BatchSize: s.cfg.Monitor.BatchSize,
			Logger:    logger.WithModule("history"),
		})
		s.reg.Subscribe(s.history)
	}

	if s.cfg.WebSocket.Enabled {
		s.hub = ws.NewHub(ws.Options{
			PingInterval: s.cfg.WebSocket.PingInterval,
			WriteTimeout: s.cfg.WebSocket.WriteTimeout,
			Snapshot:     api.StatusSnapshot(s.reg),
		}, logger.WithModule("websocket"))
		go s.hub.Run(s.ctx)
		s.reg.Subscribe(s.hub)
	}
}

// instanceConfig 设备配置转换为实例配置
func instanceConfig(d config.DeviceConfig) registry.InstanceConfig {
	return registry.InstanceConfig{
		Transport: d.Transport,
		Port:      d.Port,
		Backend:   d.Backend,
		Link: transport.Parameters{
			BaudRate: d.BaudRate,
			DataBits: d.DataBits,
			StopBits: d.StopBits,
			Parity:   d.Parity,
		},
		Params: d.Params,
	}
}

// createDevices 创建配置文件中的设备，单个失败不影响其他设备
func (s *Server) createDevices(devices []config.DeviceConfig) {
	for _, d := range devices {
		if _, exists := s.reg.HandleOf(d.Path); exists {
			continue
		}
		h, err := s.reg.CreateInstance(s.ctx, d.Path, instanceConfig(d))
		if err != nil {
			s.logger.Error("创建设备失败", zap.String("path", d.Path), zap.Error(err))
			continue
		}
		s.logger.Info("设备已创建", zap.String("path", d.Path), zap.String("handle", string(h)))
	}
}

// startHTTP 启动API服务
func (s *Server) startHTTP() {
	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}

	var tokens *utils.TokenManager
	if s.cfg.Server.AuthSecret != "" {
		tokens = utils.NewTokenManager(s.cfg.Server.AuthSecret, s.cfg.Server.TokenExpiry)
	} else {
		s.logger.Warn("未配置 server.auth_secret，API 不认证")
	}

	router := api.NewRouter(api.Options{
		Registry:      s.reg,
		DB:            s.db,
		Hub:           s.hub,
		WebSocketPath: s.cfg.WebSocket.Path,
		ReadBuffer:    s.cfg.WebSocket.ReadBufferSize,
		WriteBuffer:   s.cfg.WebSocket.WriteBufferSize,
		Tokens:        tokens,
		PINHashes:     s.cfg.Server.PINHashes,
		Swagger:       s.cfg.Server.Swagger,
		Version:       Version,
		Logger:        logger.WithModule("api"),
	})
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = api.NewServer(addr, router, s.cfg.Server.ReadTimeout, s.cfg.Server.WriteTimeout)
	s.errCh = s.http.Start()
}

// WaitForShutdown 等待退出信号或监听失败
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case err, ok := <-s.errCh:
		if ok {
			s.logger.Error("API服务异常退出", zap.Error(err))
		}
	}
}

// Shutdown 优雅关闭
//
// 先停止接收请求，再停止设备，最后把历史写完并关闭数据库。
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务...")

	timeout := s.currentConfig().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("关闭API服务失败", zap.Error(err))
			firstErr = err
		}
	}

	s.reg.Shutdown(ctx)
	s.cancel()
	if s.hub != nil {
		<-s.hub.Done()
	}

	if s.history != nil {
		s.history.Close()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	if ctx.Err() != nil && firstErr == nil {
		firstErr = errors.New(errors.ErrTimeout, "关闭超时")
	}
	logger.Cleanup()
	return firstErr
}

// reloadConfig 应用新配置：日志级别、设备参数和新增设备
//
// 已有设备的传输参数变化需要重启服务才能生效。
func (s *Server) reloadConfig(newCfg *config.Config) {
	logger.SetLevel(newCfg.Log.Level)

	for _, d := range newCfg.Devices {
		h, ok := s.reg.HandleOf(d.Path)
		if !ok || len(d.Params) == 0 {
			continue
		}
		if err := s.reg.Configure(s.ctx, h, d.Params); err != nil {
			s.logger.Warn("设备参数更新失败", zap.String("path", d.Path), zap.Error(err))
		}
	}
	s.createDevices(newCfg.Devices)

	s.cfgMu.Lock()
	s.cfg = newCfg
	s.cfgMu.Unlock()
	s.logger.Info("配置重新加载完成", zap.String("log_level", logger.Level()))
}

// currentConfig 当前生效的配置
func (s *Server) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// printToken 签发访问令牌
func printToken(cfg *config.Config, subject, role string) error {
	if cfg.Server.AuthSecret == "" {
		return utils.ErrEmptySecret
	}
	manager := utils.NewTokenManager(cfg.Server.AuthSecret, cfg.Server.TokenExpiry)
	token, err := manager.GenerateToken(subject, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("自助终端设备服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("自助终端设备服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  kioskd [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  KIOSK_SERVER_PORT          API端口")
	fmt.Println("  KIOSK_SERVER_AUTH_SECRET   令牌签名密钥")
	fmt.Println("  KIOSK_DATABASE_DSN         数据库连接")
	fmt.Println("  KIOSK_LOG_LEVEL            日志级别")
}
