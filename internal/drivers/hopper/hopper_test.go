package hopper

import (
	"context"
	"testing"
	"time"

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

func newTestHopper(t *testing.T, emu *Emulator, values map[string]interface{}) *device.Device {
	t.Helper()
	desc := Descriptor()
	store := params.NewWithDefaults(values, desc.Defaults())
	tr := transport.NewVirtual(Path, emu.Respond)
	drv, err := Factory(registry.Env{
		Path:      Path,
		Transport: tr,
		Params:    store,
		Engine:    protocol.Options{Timeout: 50 * time.Millisecond, Retries: 1},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	d, err := device.New(device.Config{
		Path:         Path,
		Transport:    tr,
		Protocol:     drv.Protocol,
		Cleaner:      drv.Cleaner,
		Params:       store,
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

func TestHopper_Dispense(t *testing.T) {
	emu := NewEmulator(100)
	d := newTestHopper(t, emu, nil)

	disp, ok := d.Dispenser()
	require.True(t, ok)
	n, err := disp.Dispense(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 90, emu.Coins())
	assert.Equal(t, []string{"dispenser"}, d.Capabilities())
}

func TestHopper_DispenseLimits(t *testing.T) {
	emu := NewEmulator(100)
	d := newTestHopper(t, emu, map[string]interface{}{KeyMaxDispense: 5})
	disp, _ := d.Dispenser()

	tests := []struct {
		name  string
		count int
	}{
		{"零枚", 0},
		{"负数", -1},
		{"超过单次上限", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := disp.Dispense(context.Background(), tt.count)
			require.Error(t, err)
		})
	}
	assert.Equal(t, 100, emu.Coins())
}

func TestHopper_SpeedOutOfRange(t *testing.T) {
	desc := Descriptor()
	tests := []struct {
		name  string
		speed interface{}
		ok    bool
	}{
		{"默认档位", 5, true},
		{"最高档位", 10, true},
		{"超过一个字节", 261, false},
		{"零档", 0, false},
		{"字符串数字", "11", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := desc.Validate(map[string]interface{}{KeySpeed: tt.speed})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errors.ErrConfigValidate), "got %v", err)
			}
		})
	}

	// 绕过参数表写入的非法值不会被截断后下发
	emu := NewEmulator(100)
	d := newTestHopper(t, emu, nil)
	d.Params().Set(KeySpeed, 261)
	disp, _ := d.Dispenser()
	_, err := disp.Dispense(context.Background(), 1)
	assert.True(t, errors.Is(err, errors.ErrInvalidParam), "got %v", err)
	assert.Equal(t, 100, emu.Coins())
}

func TestHopper_PartialDispense(t *testing.T) {
	emu := NewEmulator(3)
	d := newTestHopper(t, emu, nil)
	disp, _ := d.Dispenser()

	n, err := disp.Dispense(context.Background(), 5)
	assert.Equal(t, 3, n)
	assert.True(t, errors.Is(err, errors.ErrDeviceFault))
	code, ok := errors.DeviceCodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, int(status.CassetteEmpty), code)

	// 币空取代将空
	require.Eventually(t, func() bool { return d.Status().Has(status.CassetteEmpty) }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, d.Status().Has(status.CassetteNearEmpty))
}

func TestHopper_NearEmptyAndRefill(t *testing.T) {
	emu := NewEmulator(10)
	d := newTestHopper(t, emu, map[string]interface{}{KeyNearEmpty: 20})

	require.Eventually(t, func() bool { return d.Status().Has(status.CassetteNearEmpty) }, 2*time.Second, 5*time.Millisecond)

	emu.Refill(100)
	require.Eventually(t, func() bool { return d.Status().Has(status.OK) }, 2*time.Second, 5*time.Millisecond)
}

func TestHopper_JamRejectsDispense(t *testing.T) {
	emu := NewEmulator(100)
	d := newTestHopper(t, emu, nil)
	disp, _ := d.Dispenser()

	emu.SetJam(true)
	// 卡币取代通用错误
	require.Eventually(t, func() bool { return d.Status().Has(status.DispenserJam) }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, d.Status().Has(status.Error))

	_, err := disp.Dispense(context.Background(), 1)
	require.Error(t, err)
	code, ok := errors.DeviceCodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, int(status.DispenserJam), code)
	assert.Equal(t, 100, emu.Coins())
}
