package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/errors"
)

func TestCRC16XMODEM(t *testing.T) {
	// 标准校验值 "123456789" -> 0x31C3
	assert.Equal(t, uint16(0x31C3), CRC16XMODEM([]byte("123456789")))
	assert.Equal(t, uint16(0x0000), CRC16XMODEM(nil))
}

func TestFrameAA_Encode(t *testing.T) {
	f := NewFrameAA()
	frame, err := f.Encode([]byte{0x21, 0x01})
	require.NoError(t, err)

	assert.Equal(t, AAHeader, frame[0])
	assert.Equal(t, AATail, frame[len(frame)-1])
	assert.Equal(t, 10, len(frame))

	cmd, seq, data, ok := ParseAARequest(frame)
	require.True(t, ok)
	assert.Equal(t, byte(0x21), cmd)
	assert.Equal(t, uint16(1), seq)
	assert.Equal(t, []byte{0x01}, data)

	// 序列号递增
	frame2, _ := f.Encode([]byte{0x21})
	_, seq2, _, _ := ParseAARequest(frame2)
	assert.Equal(t, uint16(2), seq2)
}

func TestFrameAA_Decode(t *testing.T) {
	f := NewFrameAA()
	answer := EncodeAAAnswer(0x22, 7, []byte{0x01, 0x02})

	testCases := []struct {
		name     string
		input    []byte
		answer   []byte
		consumed int
		code     errors.ErrorCode
		partial  bool
	}{
		{"完整帧", answer, []byte{0x22, 0x01, 0x02}, len(answer), 0, false},
		{"半帧", answer[:5], nil, 0, 0, true},
		{"前导噪声", append([]byte{0x00, 0xFF}, answer...), nil, 2, 0, true},
		{"全是噪声", []byte{0x01, 0x02, 0x03}, nil, 3, 0, true},
		{"校验错误", corrupt(answer, 6), nil, len(answer), errors.ErrChecksum, false},
		{"帧尾错误", corrupt(answer, len(answer)-1), nil, len(answer), errors.ErrFrameMalformed, false},
		{"NACK", EncodeAAAnswer(AACmdNACK, 7, []byte{0x03}), nil, 10, errors.ErrDeviceNACK, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, n, err := f.Decode(tc.input)
			assert.Equal(t, tc.consumed, n)
			switch {
			case tc.partial:
				assert.ErrorIs(t, err, ErrIncomplete)
			case tc.code != 0:
				assert.True(t, errors.Is(err, tc.code), "got %v", err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.answer, got)
			}
		})
	}
}

func TestFrameAA_SequenceMismatch(t *testing.T) {
	f := NewFrameAA()
	req, err := f.Encode([]byte{0x21})
	require.NoError(t, err)
	_, seq, _, ok := ParseAARequest(req)
	require.True(t, ok)

	// 其他序列号的应答整帧丢弃
	_, n, err := f.Decode(EncodeAAAnswer(0x21, seq-1, []byte{0x01}))
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 10, n)

	// 迟到的 NACK 也不算本次事务的结果
	_, n, err = f.Decode(EncodeAAAnswer(AACmdNACK, seq+1, []byte{0x02}))
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 10, n)

	answer, n, err := f.Decode(EncodeAAAnswer(0x21, seq, []byte{0x01}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21, 0x01}, answer)
	assert.Equal(t, 10, n)
}

func TestFrameAA_NACKCarriesDeviceCode(t *testing.T) {
	_, _, err := NewFrameAA().Decode(EncodeAAAnswer(AACmdNACK, 1, []byte{0x04}))
	code, ok := errors.DeviceCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, 4, code)
	assert.Equal(t, errors.CategoryDevice, errors.CategoryOf(err))
}

func TestFrameAA_TooLarge(t *testing.T) {
	f := NewFrameAA()
	_, err := f.Encode(make([]byte, f.MaxPayload()+1))
	assert.True(t, errors.Is(err, errors.ErrFrameTooLarge))
}

func TestFrameSTX_RoundTrip(t *testing.T) {
	f := NewFrameSTX()
	frame, err := f.Encode([]byte("S"))
	require.NoError(t, err)
	assert.Equal(t, []byte{STX, 0x01, 'S', 0x01 ^ 'S', ETX}, frame)

	payload, ok := ParseSTX(frame)
	require.True(t, ok)
	assert.Equal(t, []byte("S"), payload)

	answer := EncodeSTX([]byte{ACK, 0x10})
	got, n, err := f.Decode(answer)
	require.NoError(t, err)
	assert.Equal(t, len(answer), n)
	assert.Equal(t, []byte{ACK, 0x10}, got)
}

func TestFrameSTX_Errors(t *testing.T) {
	f := NewFrameSTX()

	_, _, err := f.Decode(corrupt(EncodeSTX([]byte{ACK}), 2))
	assert.True(t, errors.Is(err, errors.ErrChecksum))

	_, _, err = f.Decode(EncodeSTX([]byte{NAK, 0x31}))
	code, ok := errors.DeviceCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, 0x31, code)

	_, err = f.Encode(make([]byte, 256))
	assert.True(t, errors.Is(err, errors.ErrFrameTooLarge))
}

func TestModbusRTU(t *testing.T) {
	master := NewModbusRTU(0x11)
	request, err := master.Encode(ReadHoldingRegisters(0x006B, 2))
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), request[0])
	assert.Len(t, request, 8)

	// 从站应答使用同样的封包方式
	slave := NewModbusRTU(0x11)
	response, err := slave.Encode([]byte{0x03, 0x04, 0x00, 0x2A, 0x01, 0x00})
	require.NoError(t, err)

	_, n, err := master.Decode(response[:4])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 0, n)

	answer, n, err := master.Decode(response)
	require.NoError(t, err)
	assert.Equal(t, len(response), n)

	values, err := RegisterValues(answer)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x002A, 0x0100}, values)
}

func TestModbusRTU_Exception(t *testing.T) {
	m := NewModbusRTU(0x01)
	exception, err := m.Encode([]byte{0x83, 0x02})
	require.NoError(t, err)

	_, _, err = m.Decode(exception)
	assert.True(t, errors.Is(err, errors.ErrDeviceNACK))
	code, ok := errors.DeviceCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, 2, code)
}

func TestModbusRTU_BadCRC(t *testing.T) {
	m := NewModbusRTU(0x01)
	frame, err := m.Encode(WriteSingleRegister(0x0001, 0x0003))
	require.NoError(t, err)

	_, _, err = m.Decode(corrupt(frame, len(frame)-1))
	assert.True(t, errors.Is(err, errors.ErrChecksum))

	_, _, err = m.Decode([]byte{0x02, 0x06, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, errors.CategoryProtocol, errors.CategoryOf(err))
}

func corrupt(frame []byte, idx int) []byte {
	out := append([]byte(nil), frame...)
	out[idx] ^= 0xFF
	return out
}
