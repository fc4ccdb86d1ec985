package drivers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"go.uber.org/zap"
)

func TestBuiltin(t *testing.T) {
	reg := registry.New(registry.Options{Logger: zap.NewNop()})
	require.NoError(t, Builtin(reg))

	assert.Equal(t, []string{
		"Kiosk.Acceptor.Generic",
		"Kiosk.Dispenser.Hopper",
		"Kiosk.Printer.Thermal",
		"Kiosk.Watchdog.Modbus",
	}, reg.ListAvailable(""))

	// 重复注册不覆盖
	require.NoError(t, Builtin(reg))
	assert.Len(t, reg.ListAvailable("Kiosk"), 4)
}

func TestBuiltin_VirtualInstances(t *testing.T) {
	reg := registry.New(registry.Options{
		Logger: zap.NewNop(),
		Timing: device.Timing{PollInterval: 10 * time.Millisecond, ErrorInterval: 10 * time.Millisecond},
	})
	require.NoError(t, Builtin(reg))
	defer reg.Shutdown(context.Background())

	tests := []struct {
		path string
		caps []string
	}{
		{"Kiosk.Acceptor.Generic.Front", []string{"acceptor"}},
		{"Kiosk.Dispenser.Hopper.Coins", []string{"dispenser"}},
		{"Kiosk.Printer.Thermal.Receipt", []string{"printer"}},
		{"Kiosk.Watchdog.Modbus.Main", []string{"watchdog"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h, err := reg.CreateInstance(context.Background(), tt.path, registry.InstanceConfig{Transport: registry.TransportVirtual})
			require.NoError(t, err)
			d, ok := reg.Lookup(h)
			require.True(t, ok)
			require.Eventually(t, d.IsReady, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.caps, d.Capabilities())
		})
	}
}
