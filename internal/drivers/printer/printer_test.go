package printer

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

func newTestPrinter(t *testing.T, emu *Emulator, values map[string]interface{}) *device.Device {
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

func TestPrinter_Identify(t *testing.T) {
	d := newTestPrinter(t, NewEmulator(), nil)
	assert.Equal(t, device.Identity{Model: "TP-80", Firmware: "3.0", Serial: "EMU0200"}, d.Identity())
	assert.Equal(t, []status.Code{status.OK}, d.Status().Codes())
}

func TestPrinter_Print(t *testing.T) {
	emu := NewEmulator()
	d := newTestPrinter(t, emu, map[string]interface{}{KeyLineWidth: 4})
	prn, ok := d.Printer()
	require.True(t, ok)

	require.NoError(t, prn.Print(context.Background(), []byte("abcdefgh\nxy")))
	assert.Equal(t, "abcd\nefgh\nxy\n", emu.Printed())
	assert.Equal(t, 1, emu.Cuts())

	assert.True(t, errors.Is(prn.Print(context.Background(), nil), errors.ErrInvalidParam))
}

func TestPrinter_NoCut(t *testing.T) {
	emu := NewEmulator()
	d := newTestPrinter(t, emu, map[string]interface{}{KeyCut: false})
	prn, _ := d.Printer()

	require.NoError(t, prn.Print(context.Background(), []byte("receipt")))
	assert.Equal(t, 0, emu.Cuts())
}

func TestPrinter_StatusCleaning(t *testing.T) {
	tests := []struct {
		name  string
		codes []status.Code
		want  []status.Code
	}{
		{"纸将尽", []status.Code{status.PaperNearEnd}, []status.Code{status.PaperNearEnd}},
		{"缺纸取代纸将尽", []status.Code{status.PaperNearEnd, status.PaperEnd}, []status.Code{status.PaperEnd}},
		{"开盖取代卡纸", []status.Code{status.PaperJam, status.HeadOpen}, []status.Code{status.HeadOpen}},
		{"忙碌不上报", []status.Code{status.Busy}, []status.Code{status.OK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := statusBits.Decode(statusBits.Encode(status.NewCollection(tt.codes...)))
			assert.Equal(t, tt.want, Cleaner.CleanStatusCodes(raw).Codes())
		})
	}
}

func TestPrinter_PaperEndRejectsPrint(t *testing.T) {
	emu := NewEmulator()
	d := newTestPrinter(t, emu, nil)
	prn, _ := d.Printer()

	emu.SetCodes(status.PaperEnd)
	require.Eventually(t, func() bool { return d.Status().Has(status.PaperEnd) }, 2*time.Second, 5*time.Millisecond)

	err := prn.Print(context.Background(), []byte("receipt"))
	require.Error(t, err)
	code, ok := errors.DeviceCodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, int(status.PaperEnd), code)
	assert.Empty(t, emu.Printed())
}
