package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, content string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(content)))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadYAML(t, "server:\n  port: 9000\n")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 12*time.Hour, cfg.Server.TokenExpiry)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.Interval)
	assert.Equal(t, 3, cfg.Polling.ResetThreshold)
	assert.Equal(t, "Kiosk", cfg.Registry.Application)
	assert.Equal(t, "/ws/status", cfg.WebSocket.Path)
	assert.True(t, cfg.Monitor.History)
	assert.False(t, cfg.Monitor.ProtocolLog)
	assert.Empty(t, cfg.Devices)
}

func TestLoad_Devices(t *testing.T) {
	cfg, err := loadYAML(t, `
devices:
  - path: Kiosk.Acceptor.Generic.Front
    port: /dev/ttyUSB0
    backend: goburrow
    baud_rate: 9600
    parity: E
    params:
      denominations: 15
      poll_interval: 250ms
  - path: Kiosk.Printer.Thermal.Receipt
    transport: virtual
`)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)

	front, ok := cfg.DeviceByPath("Kiosk.Acceptor.Generic.Front")
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", front.Port)
	assert.Equal(t, "goburrow", front.Backend)
	assert.Equal(t, 9600, front.BaudRate)
	assert.Equal(t, "E", front.Parity)
	assert.EqualValues(t, 15, front.Params["denominations"])
	assert.Equal(t, "250ms", front.Params["poll_interval"])

	_, ok = cfg.DeviceByPath("Kiosk.Nothing")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"轮询间隔为零", "polling:\n  interval: 0s\n", "polling.interval"},
		{"重置阈值为零", "polling:\n  reset_threshold: 0\n", "reset_threshold"},
		{"缺少路径", "devices:\n  - transport: virtual\n", "path required"},
		{"重复路径", "devices:\n  - path: A.B.C\n    transport: virtual\n  - path: A.B.C\n    transport: virtual\n", "duplicate"},
		{"串口缺少端口", "devices:\n  - path: A.B.C\n", "port required"},
		{"未知传输", "devices:\n  - path: A.B.C\n    transport: usb\n", "unknown transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
