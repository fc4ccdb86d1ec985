package protocol

import (
	"bytes"

	"github.com/wfunc/kiosk-devices/internal/errors"
)

// STX 帧定义：[STX] [长度] [载荷...] [异或校验] [ETX]
const (
	STX byte = 0x02
	ETX byte = 0x03
	ACK byte = 0x06
	NAK byte = 0x15

	stxOverhead  = 4
	stxMaxLength = 255
)

// FrameSTX STX/ETX 帧，长度+载荷异或校验
type FrameSTX struct{}

// NewFrameSTX 创建 STX 帧编解码器
func NewFrameSTX() *FrameSTX {
	return &FrameSTX{}
}

// MaxPayload 最大载荷长度
func (FrameSTX) MaxPayload() int {
	return stxMaxLength
}

// Encode 组帧
func (f FrameSTX) Encode(cmd []byte) ([]byte, error) {
	if len(cmd) > stxMaxLength {
		return nil, errors.Newf(errors.ErrFrameTooLarge, "%d > %d", len(cmd), stxMaxLength)
	}
	return EncodeSTX(cmd), nil
}

// Decode 解析一帧，载荷以 NAK 开头时返回设备错误
func (FrameSTX) Decode(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != STX {
		idx := bytes.IndexByte(buf, STX)
		if idx < 0 {
			return nil, len(buf), ErrIncomplete
		}
		return nil, idx, ErrIncomplete
	}
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	total := int(buf[1]) + stxOverhead
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	frame := buf[:total]
	if frame[total-1] != ETX {
		return nil, total, errors.Newf(errors.ErrFrameMalformed, "invalid frame tail: 0x%02X", frame[total-1])
	}
	if calc := xorSum(frame[1 : total-2]); calc != frame[total-2] {
		return nil, total, errors.Newf(errors.ErrChecksum, "XOR mismatch: calc=0x%02X, recv=0x%02X", calc, frame[total-2])
	}

	payload := frame[2 : total-2]
	if len(payload) > 0 && payload[0] == NAK {
		code := 0
		if len(payload) > 1 {
			code = int(payload[1])
		}
		return nil, total, errors.Newf(errors.ErrDeviceNACK, "NAK 0x%02X", code).WithDeviceCode(code)
	}
	return append([]byte(nil), payload...), total, nil
}

// EncodeSTX 组帧（设备侧应答同样格式）
func EncodeSTX(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+stxOverhead)
	buf = append(buf, STX, byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, xorSum(buf[1:]), ETX)
	return buf
}

// ParseSTX 解析完整帧的载荷，供模拟器使用
func ParseSTX(frame []byte) ([]byte, bool) {
	if len(frame) < stxOverhead || frame[0] != STX || frame[len(frame)-1] != ETX {
		return nil, false
	}
	if int(frame[1])+stxOverhead != len(frame) {
		return nil, false
	}
	if xorSum(frame[1:len(frame)-2]) != frame[len(frame)-2] {
		return nil, false
	}
	return frame[2 : len(frame)-2], true
}

func xorSum(data []byte) byte {
	checksum := byte(0)
	for _, b := range data {
		checksum ^= b
	}
	return checksum
}
