package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

func testEnv(emu *Emulator, values map[string]interface{}) registry.Env {
	desc := Descriptor()
	return registry.Env{
		Path:      Path,
		Transport: transport.NewVirtual(Path, emu.Respond),
		Params:    params.NewWithDefaults(values, desc.Defaults()),
		Engine:    protocol.Options{Timeout: 50 * time.Millisecond, Retries: 1},
		Logger:    zap.NewNop(),
	}
}

func newTestWatchdog(t *testing.T, emu *Emulator, values map[string]interface{}) *device.Device {
	t.Helper()
	env := testEnv(emu, values)
	drv, err := Factory(env)
	require.NoError(t, err)

	d, err := device.New(device.Config{
		Path:         Path,
		Transport:    env.Transport,
		Protocol:     drv.Protocol,
		Cleaner:      drv.Cleaner,
		Params:       env.Params,
		Reactions:    drv.Reactions,
		Capabilities: drv.Capabilities,
		Timing:       device.Timing{PollInterval: 10 * time.Millisecond, ErrorInterval: 10 * time.Millisecond, ResetThreshold: 2},
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	require.Eventually(t, d.IsReady, 2*time.Second, 5*time.Millisecond)
	return d
}

func TestWatchdog_IdentifyAndAutoFeed(t *testing.T) {
	emu := NewEmulator(1)
	d := newTestWatchdog(t, emu, map[string]interface{}{KeyFeedTimeout: "45s"})

	assert.Equal(t, device.Identity{Model: "WD-1", Firmware: "1.2", Serial: "00ABCDEF"}, d.Identity())
	require.Eventually(t, func() bool { return emu.Feeds() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint16(45), emu.FeedTimeout())
}

func TestWatchdog_ManualFeed(t *testing.T) {
	emu := NewEmulator(1)
	d := newTestWatchdog(t, emu, map[string]interface{}{KeyAutoFeed: false})

	wd, ok := d.Watchdog()
	require.True(t, ok)
	assert.Equal(t, 0, emu.Feeds())
	require.NoError(t, wd.Feed(context.Background()))
	assert.Equal(t, 1, emu.Feeds())
	assert.Equal(t, uint16(30), emu.FeedTimeout())
}

func TestWatchdog_TripResets(t *testing.T) {
	emu := NewEmulator(1)
	d := newTestWatchdog(t, emu, nil)

	done := make(chan struct{}, 1)
	d.AddObserver(device.ObserverFunc(func(n device.Notification) {
		if len(n.Onset) > 0 && n.Onset[0] == status.WatchdogTripped {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}))

	emu.SetCodes(status.WatchdogTripped, status.Error)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trip not published")
	}
	// 复位线圈清除动作位
	require.Eventually(t, func() bool { return emu.Resets() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !d.Status().Has(status.WatchdogTripped) }, 2*time.Second, 5*time.Millisecond)
}

func TestWatchdog_SlaveID(t *testing.T) {
	tests := []struct {
		name    string
		slave   int
		wantErr bool
	}{
		{"默认地址", 1, false},
		{"最大地址", 247, false},
		{"地址为零", 0, true},
		{"地址越界", 248, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Factory(testEnv(NewEmulator(1), map[string]interface{}{KeySlaveID: tt.slave}))
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrConfigValidate))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatchdog_Exception(t *testing.T) {
	env := testEnv(NewEmulator(1), nil)
	require.NoError(t, env.Transport.Open())
	defer env.Transport.Close()

	w := New(env.NewEngine(protocol.NewModbusRTU(1)), env.Params, zap.NewNop())
	_, err := w.readRegisters(context.Background(), protocol.ReadInputRegisters(0x0005, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceNACK))
	code, ok := errors.DeviceCodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, int(modbus.ExceptionCodeIllegalDataAddress), code)
}

func TestWatchdog_WrongSlaveIgnored(t *testing.T) {
	env := testEnv(NewEmulator(2), nil)
	require.NoError(t, env.Transport.Open())
	defer env.Transport.Close()

	w := New(env.NewEngine(protocol.NewModbusRTU(1)), env.Params, zap.NewNop())
	_, err := w.Identify(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
