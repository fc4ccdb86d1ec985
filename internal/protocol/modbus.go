package protocol

import (
	"encoding/binary"

	"github.com/goburrow/modbus"
	"github.com/wfunc/kiosk-devices/internal/errors"
)

const modbusMaxPDU = 253

// ModbusRTU Modbus RTU 帧（从站地址 + PDU + CRC16/Modbus）
//
// 命令为 PDU：功能码 + 数据。异常应答作为设备错误返回，设备码为异常码。
type ModbusRTU struct {
	handler *modbus.RTUClientHandler
}

// NewModbusRTU 创建 Modbus RTU 编解码器
func NewModbusRTU(slaveID byte) *ModbusRTU {
	h := modbus.NewRTUClientHandler("")
	h.SlaveId = slaveID
	return &ModbusRTU{handler: h}
}

// SlaveID 从站地址
func (m *ModbusRTU) SlaveID() byte {
	return m.handler.SlaveId
}

// MaxPayload PDU 最大长度
func (m *ModbusRTU) MaxPayload() int {
	return modbusMaxPDU
}

// Encode 组帧
func (m *ModbusRTU) Encode(cmd []byte) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, errors.New(errors.ErrFrameMalformed, "empty pdu")
	}
	adu, err := m.handler.Encode(&modbus.ProtocolDataUnit{FunctionCode: cmd[0], Data: cmd[1:]})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFrameTooLarge)
	}
	return adu, nil
}

// Decode 解析一帧
func (m *ModbusRTU) Decode(buf []byte) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != m.handler.SlaveId {
		return nil, len(buf), errors.Newf(errors.ErrUnexpectedAnswer, "slave id %d, expected %d", buf[0], m.handler.SlaveId)
	}

	expected, ok := modbusResponseLength(buf)
	if !ok {
		return nil, len(buf), errors.Newf(errors.ErrFrameMalformed, "unsupported function code 0x%02X", buf[1])
	}
	if expected == 0 || len(buf) < expected {
		return nil, 0, ErrIncomplete
	}

	pdu, err := m.handler.Decode(buf[:expected])
	if err != nil {
		return nil, expected, errors.Wrap(err, errors.ErrChecksum)
	}
	if pdu.FunctionCode&0x80 != 0 {
		exception := byte(0)
		if len(pdu.Data) > 0 {
			exception = pdu.Data[0]
		}
		me := &modbus.ModbusError{FunctionCode: pdu.FunctionCode, ExceptionCode: exception}
		return nil, expected, errors.New(errors.ErrDeviceNACK, me.Error()).WithDeviceCode(int(exception))
	}

	answer := make([]byte, 0, 1+len(pdu.Data))
	answer = append(answer, pdu.FunctionCode)
	answer = append(answer, pdu.Data...)
	return answer, expected, nil
}

// modbusResponseLength 根据功能码推算应答长度，0 表示还需要更多字节
func modbusResponseLength(buf []byte) (int, bool) {
	fc := buf[1]
	if fc&0x80 != 0 {
		return 5, true
	}
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		if len(buf) < 3 {
			return 0, true
		}
		return 5 + int(buf[2]), true
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		return 8, true
	default:
		return 0, false
	}
}

// ReadHoldingRegisters 构造读保持寄存器 PDU
func ReadHoldingRegisters(address, quantity uint16) []byte {
	return modbusPDU(modbus.FuncCodeReadHoldingRegisters, address, quantity)
}

// ReadInputRegisters 构造读输入寄存器 PDU
func ReadInputRegisters(address, quantity uint16) []byte {
	return modbusPDU(modbus.FuncCodeReadInputRegisters, address, quantity)
}

// WriteSingleRegister 构造写单个寄存器 PDU
func WriteSingleRegister(address, value uint16) []byte {
	return modbusPDU(modbus.FuncCodeWriteSingleRegister, address, value)
}

// WriteSingleCoil 构造写单个线圈 PDU
func WriteSingleCoil(address uint16, on bool) []byte {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	return modbusPDU(modbus.FuncCodeWriteSingleCoil, address, value)
}

// RegisterValues 解析读寄存器应答（功能码 + 字节数 + 数据）
func RegisterValues(answer []byte) ([]uint16, error) {
	if len(answer) < 2 || int(answer[1]) != len(answer)-2 || answer[1]%2 != 0 {
		return nil, errors.Newf(errors.ErrUnexpectedAnswer, "register answer % X", answer)
	}
	values := make([]uint16, int(answer[1])/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(answer[2+2*i:])
	}
	return values, nil
}

func modbusPDU(fc byte, a, b uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:], a)
	binary.BigEndian.PutUint16(pdu[3:], b)
	return pdu
}
