package protocol

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/wfunc/kiosk-devices/internal/errors"
)

// 0xAA 帧定义：帧头(1) + 长度(2) + 命令(1) + 序列号(2) + 数据 + CRC(2) + 帧尾(1)
const (
	AAHeader byte = 0xAA
	AATail   byte = 0x55

	AACmdACK  byte = 0x80 // ACK确认
	AACmdNACK byte = 0x81 // NACK拒绝

	aaMinFrameLen = 9
	aaMaxFrameLen = 512

	aaSeqValid = 1 << 16 // expect 中标记已发送过请求
)

// FrameAA 0xAA/0x55 帧，CRC16-XMODEM 校验
//
// 命令的第一个字节是命令码，其余为数据。应答同样以命令码开头。
// 应答序列号必须与最近一次请求相同，其他序列号的帧视为迟到应答丢弃。
type FrameAA struct {
	seq    atomic.Uint32
	expect atomic.Uint32
}

// NewFrameAA 创建 0xAA 帧编解码器
func NewFrameAA() *FrameAA {
	return &FrameAA{}
}

// MaxPayload 最大命令长度（命令码+数据）
func (f *FrameAA) MaxPayload() int {
	return aaMaxFrameLen - aaMinFrameLen + 1
}

// Encode 组帧
func (f *FrameAA) Encode(cmd []byte) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, errors.New(errors.ErrFrameMalformed, "empty command")
	}
	if len(cmd) > f.MaxPayload() {
		return nil, errors.Newf(errors.ErrFrameTooLarge, "%d > %d", len(cmd), f.MaxPayload())
	}

	seq := uint16(f.seq.Add(1))
	data := cmd[1:]
	length := aaMinFrameLen + len(data)

	buf := make([]byte, length)
	buf[0] = AAHeader
	binary.BigEndian.PutUint16(buf[1:], uint16(length))
	buf[3] = cmd[0]
	binary.BigEndian.PutUint16(buf[4:], seq)
	copy(buf[6:], data)
	binary.BigEndian.PutUint16(buf[length-3:], CRC16XMODEM(buf[3:length-3]))
	buf[length-1] = AATail
	f.expect.Store(aaSeqValid | uint32(seq))
	return buf, nil
}

// Decode 解析一帧
func (f *FrameAA) Decode(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}
	// 同步到帧头
	if buf[0] != AAHeader {
		idx := bytes.IndexByte(buf, AAHeader)
		if idx < 0 {
			return nil, len(buf), ErrIncomplete
		}
		return nil, idx, ErrIncomplete
	}
	if len(buf) < 3 {
		return nil, 0, ErrIncomplete
	}

	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if length < aaMinFrameLen || length > aaMaxFrameLen {
		return nil, len(buf), errors.Newf(errors.ErrFrameMalformed, "invalid frame length %d", length)
	}
	if len(buf) < length {
		return nil, 0, ErrIncomplete
	}

	frame := buf[:length]
	if frame[length-1] != AATail {
		return nil, length, errors.Newf(errors.ErrFrameMalformed, "invalid frame tail: 0x%02X", frame[length-1])
	}

	recv := binary.BigEndian.Uint16(frame[length-3 : length-1])
	if calc := CRC16XMODEM(frame[3 : length-3]); calc != recv {
		return nil, length, errors.Newf(errors.ErrChecksum, "CRC mismatch: calc=0x%04X, recv=0x%04X", calc, recv)
	}

	if want := f.expect.Load(); want&aaSeqValid != 0 {
		if got := binary.BigEndian.Uint16(frame[4:6]); got != uint16(want) {
			return nil, length, ErrIncomplete
		}
	}

	cmd := frame[3]
	data := frame[6 : length-3]
	if cmd == AACmdNACK {
		code := 0
		if len(data) > 0 {
			code = int(data[0])
		}
		return nil, length, errors.Newf(errors.ErrDeviceNACK, "NACK 0x%02X", code).WithDeviceCode(code)
	}

	answer := make([]byte, 0, 1+len(data))
	answer = append(answer, cmd)
	answer = append(answer, data...)
	return answer, length, nil
}

// CRC16XMODEM CRC16-XMODEM算法
func CRC16XMODEM(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeAAAnswer 构造设备侧应答帧，供模拟器使用
func EncodeAAAnswer(cmd byte, seq uint16, data []byte) []byte {
	length := aaMinFrameLen + len(data)
	buf := make([]byte, length)
	buf[0] = AAHeader
	binary.BigEndian.PutUint16(buf[1:], uint16(length))
	buf[3] = cmd
	binary.BigEndian.PutUint16(buf[4:], seq)
	copy(buf[6:], data)
	binary.BigEndian.PutUint16(buf[length-3:], CRC16XMODEM(buf[3:length-3]))
	buf[length-1] = AATail
	return buf
}

// ParseAARequest 解析主机侧请求帧，供模拟器使用
func ParseAARequest(frame []byte) (cmd byte, seq uint16, data []byte, ok bool) {
	if len(frame) < aaMinFrameLen || frame[0] != AAHeader {
		return 0, 0, nil, false
	}
	length := int(binary.BigEndian.Uint16(frame[1:3]))
	if length != len(frame) || frame[length-1] != AATail {
		return 0, 0, nil, false
	}
	if CRC16XMODEM(frame[3:length-3]) != binary.BigEndian.Uint16(frame[length-3:length-1]) {
		return 0, 0, nil, false
	}
	return frame[3], binary.BigEndian.Uint16(frame[4:6]), frame[6 : length-3], true
}
