package watchdog

import (
	"encoding/binary"
	"sync"

	"github.com/goburrow/modbus"
	"github.com/wfunc/kiosk-devices/internal/status"
)

// Emulator 看门狗板模拟器
type Emulator struct {
	handler *modbus.RTUClientHandler

	mu      sync.Mutex
	holding map[uint16]uint16
	input   uint16
	feeds   int
	resets  int
	silent  bool
}

// NewEmulator 创建从站地址为 slaveID 的模拟器
func NewEmulator(slaveID byte) *Emulator {
	h := modbus.NewRTUClientHandler("")
	h.SlaveId = slaveID
	return &Emulator{
		handler: h,
		holding: map[uint16]uint16{
			RegIdentity:     1,
			RegIdentity + 1: 0x0102,
			RegIdentity + 2: 0x00AB,
			RegIdentity + 3: 0xCDEF,
		},
	}
}

// Respond 实现 transport.Responder
func (e *Emulator) Respond(req []byte) []byte {
	if len(req) < 4 || req[0] != e.handler.SlaveId {
		return nil
	}
	pdu, err := e.handler.Decode(req)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	if e.silent {
		e.mu.Unlock()
		return nil
	}
	answer := e.serve(pdu)
	e.mu.Unlock()

	adu, err := e.handler.Encode(answer)
	if err != nil {
		return nil
	}
	return adu
}

func (e *Emulator) serve(pdu *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(pdu.Data) < 4 {
		return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu.Data)
	value := binary.BigEndian.Uint16(pdu.Data[2:])

	switch pdu.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		data := []byte{byte(2 * value)}
		for i := uint16(0); i < value; i++ {
			data = binary.BigEndian.AppendUint16(data, e.holding[addr+i])
		}
		return &modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data}
	case modbus.FuncCodeReadInputRegisters:
		if addr != RegStatus || value != 1 {
			return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
		}
		data := binary.BigEndian.AppendUint16([]byte{2}, e.input)
		return &modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data}
	case modbus.FuncCodeWriteSingleRegister:
		if addr != RegFeedTimeout || value == 0 {
			return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
		}
		e.holding[addr] = value
		e.feeds++
		return pdu
	case modbus.FuncCodeWriteSingleCoil:
		if addr != CoilReset {
			return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
		}
		if value == 0xFF00 {
			e.resets++
			e.input &^= 1 << 0
		}
		return pdu
	}
	return exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction)
}

func exception(fc, code byte) *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{FunctionCode: fc | 0x80, Data: []byte{code}}
}

// SetCodes 以状态码设置状态寄存器
func (e *Emulator) SetCodes(codes ...status.Code) {
	e.mu.Lock()
	e.input = uint16(statusBits.Encode(status.NewCollection(codes...)))
	e.mu.Unlock()
}

// SetSilent 模拟掉线
func (e *Emulator) SetSilent(silent bool) {
	e.mu.Lock()
	e.silent = silent
	e.mu.Unlock()
}

// FeedTimeout 最近一次写入的喂狗超时（秒）
func (e *Emulator) FeedTimeout() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holding[RegFeedTimeout]
}

// Feeds 喂狗次数
func (e *Emulator) Feeds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeds
}

// Resets 复位次数
func (e *Emulator) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}
