package acceptor

import (
	"sync/atomic"

	"github.com/wfunc/kiosk-devices/internal/drivers/aabus"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/status"
)

// Emulator 接收器模拟器
type Emulator struct {
	*aabus.Emulator
	accepting atomic.Bool
	mask      atomic.Uint32
}

// NewEmulator 创建模拟器
func NewEmulator() *Emulator {
	e := &Emulator{Emulator: aabus.NewEmulator("AC-100;2.1;EMU0001")}
	e.Handle(CmdEnable, func(data []byte) (byte, []byte) {
		if len(data) > 0 {
			e.mask.Store(uint32(data[0]))
		}
		e.accepting.Store(true)
		return protocol.AACmdACK, nil
	})
	e.Handle(CmdDisable, func([]byte) (byte, []byte) {
		e.accepting.Store(false)
		return protocol.AACmdACK, nil
	})
	return e
}

// SetCodes 以状态码设置持续状态
func (e *Emulator) SetCodes(codes ...status.Code) {
	e.SetStatus(uint16(statusBits.Encode(status.NewCollection(codes...))))
}

// QueueCodes 依次返回这些状态
func (e *Emulator) QueueCodes(sets ...[]status.Code) {
	words := make([]uint16, len(sets))
	for i, codes := range sets {
		words[i] = uint16(statusBits.Encode(status.NewCollection(codes...)))
	}
	e.QueueStatus(words...)
}

// Accepting 是否处于接收状态
func (e *Emulator) Accepting() bool {
	return e.accepting.Load()
}

// Denominations 最近一次开启接收时的面额掩码
func (e *Emulator) Denominations() byte {
	return byte(e.mask.Load())
}
