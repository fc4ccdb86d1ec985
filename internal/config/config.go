package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	Mode            string            `mapstructure:"mode"`
	ReadTimeout     time.Duration     `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration     `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
	AuthSecret      string            `mapstructure:"auth_secret"`  // 为空时不认证
	TokenExpiry     time.Duration     `mapstructure:"token_expiry"` // 维护令牌有效期
	Swagger         bool              `mapstructure:"swagger"`      // 提供 /swagger 文档页面
	PINHashes       map[string]string `mapstructure:"pin_hashes"`   // 角色 -> argon2id PIN哈希
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// RegistryConfig 驱动注册表配置
type RegistryConfig struct {
	Application     string   `mapstructure:"application"`
	SearchLocations []string `mapstructure:"search_locations"`
	NotifyQueueSize int      `mapstructure:"notify_queue_size"`
}

// PollingConfig 轮询默认参数（可被设备参数覆盖）
type PollingConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ErrorInterval    time.Duration `mapstructure:"error_interval"`
	MaxErrorInterval time.Duration `mapstructure:"max_error_interval"`
	ResetThreshold   int           `mapstructure:"reset_threshold"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	Retries          int           `mapstructure:"retries"`
}

// DeviceConfig 设备实例配置
type DeviceConfig struct {
	Path      string                 `mapstructure:"path"`       // App.Kind.Model[.Instance]
	Transport string                 `mapstructure:"transport"`  // serial | virtual
	Port      string                 `mapstructure:"port"`       // /dev/ttyS0
	Backend   string                 `mapstructure:"backend"`    // tarm | goburrow
	BaudRate  int                    `mapstructure:"baud_rate"`
	DataBits  int                    `mapstructure:"data_bits"`
	StopBits  int                    `mapstructure:"stop_bits"`
	Parity    string                 `mapstructure:"parity"`
	Params    map[string]interface{} `mapstructure:"params"`
}

// MonitorConfig 状态监控配置
type MonitorConfig struct {
	History     bool `mapstructure:"history"`      // 持久化状态变化
	ProtocolLog bool `mapstructure:"protocol_log"` // 持久化协议交互
	BatchSize   int  `mapstructure:"batch_size"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("KIOSK")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		SetDefaults(v)

		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}

		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 从指定viper实例解析配置（不修改全局配置）
func Load(src *viper.Viper) (*Config, error) {
	SetDefaults(src)
	return decode(src)
}

func decode(src *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := src.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults 设置默认配置值
func SetDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.token_expiry", "12h")

	// 数据库默认配置
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/kiosk-devices.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "kiosk-devices.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 注册表默认配置
	v.SetDefault("registry.application", "Kiosk")
	v.SetDefault("registry.notify_queue_size", 64)

	// 轮询默认配置
	v.SetDefault("polling.interval", "500ms")
	v.SetDefault("polling.error_interval", "5s")
	v.SetDefault("polling.max_error_interval", "30s")
	v.SetDefault("polling.reset_threshold", 3)
	v.SetDefault("polling.command_timeout", "300ms")
	v.SetDefault("polling.retries", 3)

	// 监控默认配置
	v.SetDefault("monitor.history", true)
	v.SetDefault("monitor.protocol_log", false)
	v.SetDefault("monitor.batch_size", 50)

	// WebSocket默认配置
	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws/status")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.write_timeout", "10s")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be > 0")
	}
	if c.Polling.ResetThreshold <= 0 {
		return fmt.Errorf("polling.reset_threshold must be > 0")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Path == "" {
			return fmt.Errorf("devices[%d]: path required", i)
		}
		if seen[d.Path] {
			return fmt.Errorf("devices[%d]: duplicate path %s", i, d.Path)
		}
		seen[d.Path] = true
		switch d.Transport {
		case "", "serial":
			if d.Port == "" {
				return fmt.Errorf("devices[%d]: port required for serial transport", i)
			}
		case "virtual":
		default:
			return fmt.Errorf("devices[%d]: unknown transport %q", i, d.Transport)
		}
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := decode(v)
		if err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
}

// DeviceByPath 按路径查找设备配置
func (c *Config) DeviceByPath(path string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Path == path {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
