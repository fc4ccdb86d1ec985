package acceptor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/drivers/aabus"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

func newTestAcceptor(t *testing.T, emu *Emulator, values map[string]interface{}) (*device.Device, *params.Store) {
	t.Helper()
	desc := Descriptor()
	store := params.NewWithDefaults(values, desc.Defaults())
	tr := transport.NewVirtual(Path, emu.Respond)
	env := registry.Env{
		Path:      Path,
		Transport: tr,
		Params:    store,
		Engine:    protocol.Options{Timeout: 50 * time.Millisecond, Retries: 1},
		Logger:    zap.NewNop(),
	}
	drv, err := Factory(env)
	require.NoError(t, err)

	d, err := device.New(device.Config{
		Path:            Path,
		Transport:       tr,
		Protocol:        drv.Protocol,
		Cleaner:         drv.Cleaner,
		Params:          store,
		Reactions:       drv.Reactions,
		Capabilities:    drv.Capabilities,
		OnParamsChanged: drv.OnParamsChanged,
		Timing:          device.Timing{PollInterval: 10 * time.Millisecond, ErrorInterval: 10 * time.Millisecond, ResetThreshold: 2},
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	return d, store
}

func TestAcceptor_CheatFlagRecovery(t *testing.T) {
	emu := NewEmulator()
	emu.QueueCodes([]status.Code{status.Cheated})

	d, _ := newTestAcceptor(t, emu, map[string]interface{}{KeyAcceptanceEnabled: true})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return len(emu.Commands()) >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t,
		[]byte{aabus.CmdIdentify, aabus.CmdGetStatus, aabus.CmdGetStatus, aabus.CmdReset, CmdEnable},
		emu.Commands()[:5])
	assert.True(t, emu.Accepting())
	assert.Equal(t, byte(0xFF), emu.Denominations())
	assert.Equal(t, "AC-100", d.Identity().Model)
}

func TestAcceptor_CheatClearedWhileAcceptanceOff(t *testing.T) {
	emu := NewEmulator()
	emu.QueueCodes([]status.Code{status.Cheated})

	d, _ := newTestAcceptor(t, emu, map[string]interface{}{KeyAcceptanceEnabled: false})
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return len(emu.Commands()) >= 6 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	assert.Equal(t, 0, emu.Resets())
	assert.False(t, emu.Accepting())
}

func TestAcceptor_StatusCleaning(t *testing.T) {
	emu := NewEmulator()
	// 卡币和通用错误同时出现时只上报卡币，忙碌和内部位被过滤
	emu.SetCodes(status.Jammed, status.Error, status.Busy, status.Polling)

	d, _ := newTestAcceptor(t, emu, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Status().Has(status.Jammed) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []status.Code{status.Jammed}, d.Status().Codes())
}

func TestAcceptor_CapabilityAndParams(t *testing.T) {
	emu := NewEmulator()
	d, store := newTestAcceptor(t, emu, map[string]interface{}{KeyDenominations: 0x0F})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	require.Eventually(t, d.IsReady, 2*time.Second, 5*time.Millisecond)

	acc, ok := d.Acceptor()
	require.True(t, ok)
	require.NoError(t, acc.EnableAcceptance(context.Background()))
	assert.True(t, emu.Accepting())
	assert.Equal(t, byte(0x0F), emu.Denominations())

	// 配置变化在下一个周期前下发
	store.Set(KeyAcceptanceEnabled, false)
	require.Eventually(t, func() bool { return !emu.Accepting() }, 2*time.Second, 5*time.Millisecond)
}

func TestAcceptor_DeviceNACK(t *testing.T) {
	emu := NewEmulator()
	emu.Handle(aabus.CmdGetStatus, func([]byte) (byte, []byte) {
		return aabus.NACK(byte(status.StackerOpen))
	})

	d, _ := newTestAcceptor(t, emu, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Status().Has(status.StackerOpen) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, emu.Resets())
}

func TestAcceptor_SilentDeviceGoesToError(t *testing.T) {
	emu := NewEmulator()
	d, _ := newTestAcceptor(t, emu, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	require.Eventually(t, d.IsReady, 2*time.Second, 5*time.Millisecond)

	emu.SetSilent(true)
	require.Eventually(t, func() bool { return d.State() == device.StateError }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []status.Code{status.NotAvailable}, d.Status().Codes())

	emu.SetSilent(false)
	require.Eventually(t, d.IsReady, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.Status().Has(status.OK) }, 2*time.Second, 5*time.Millisecond)
}

func TestLibrary(t *testing.T) {
	reg := registry.New(registry.Options{Logger: zap.NewNop()})
	require.NoError(t, Library(reg))
	assert.Equal(t, []string{Path}, reg.ListAvailable("Kiosk.Acceptor"))

	schema, err := reg.ParameterSchema(Path)
	require.NoError(t, err)
	assert.Equal(t, KeyAcceptanceEnabled, schema[0].Name)
}
