package hopper

import (
	"encoding/binary"
	"sync"

	"github.com/wfunc/kiosk-devices/internal/drivers/aabus"
)

// Emulator 出币器模拟器
type Emulator struct {
	*aabus.Emulator

	mu    sync.Mutex
	coins int
	jam   bool
}

// NewEmulator 创建装有 coins 枚币的模拟器
func NewEmulator(coins int) *Emulator {
	e := &Emulator{Emulator: aabus.NewEmulator("HP-10;1.4;EMU0100"), coins: coins}
	e.SetExtra(func() []byte {
		e.mu.Lock()
		defer e.mu.Unlock()
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, uint16(e.coins))
		return data
	})
	e.Handle(CmdDispense, e.dispense)
	e.refresh()
	return e
}

func (e *Emulator) dispense(data []byte) (byte, []byte) {
	if len(data) < 2 {
		return aabus.NACK(0xFF)
	}
	want := int(binary.BigEndian.Uint16(data))

	e.mu.Lock()
	if e.jam {
		e.mu.Unlock()
		return aabus.NACK(22)
	}
	done := want
	if done > e.coins {
		done = e.coins
	}
	e.coins -= done
	e.mu.Unlock()
	e.refresh()

	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(done))
	return CmdDispense, out
}

// Coins 剩余币量
func (e *Emulator) Coins() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coins
}

// Refill 补币
func (e *Emulator) Refill(n int) {
	e.mu.Lock()
	e.coins += n
	e.mu.Unlock()
	e.refresh()
}

// SetJam 模拟卡币
func (e *Emulator) SetJam(jam bool) {
	e.mu.Lock()
	e.jam = jam
	e.mu.Unlock()
	e.refresh()
}

func (e *Emulator) refresh() {
	e.mu.Lock()
	var word uint16
	if e.coins == 0 {
		word |= 1 << 0
	}
	if e.jam {
		word |= 1<<1 | 1<<3
	}
	e.mu.Unlock()
	e.SetStatus(word)
}
