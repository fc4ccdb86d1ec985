package printer

import (
	"bytes"
	"sync"

	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/status"
)

// Emulator 打印机模拟器
type Emulator struct {
	mu     sync.Mutex
	flags  byte
	paper  bytes.Buffer
	cuts   int
	resets int
	silent bool
}

// NewEmulator 创建模拟器
func NewEmulator() *Emulator {
	return &Emulator{}
}

// Respond 实现 transport.Responder
func (e *Emulator) Respond(req []byte) []byte {
	payload, ok := protocol.ParseSTX(req)
	if !ok || len(payload) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.silent {
		return nil
	}

	switch payload[0] {
	case CmdIdentify:
		return protocol.EncodeSTX(append([]byte{CmdIdentify}, "TP-80;3.0;EMU0200"...))
	case CmdStatus:
		return protocol.EncodeSTX([]byte{CmdStatus, e.flags})
	case CmdReset:
		e.resets++
		e.flags &^= 1 << 2
		return protocol.EncodeSTX([]byte{protocol.ACK})
	case CmdPrint:
		if code, blocked := e.blocked(); blocked {
			return protocol.EncodeSTX([]byte{protocol.NAK, byte(code)})
		}
		e.paper.Write(payload[1:])
		e.paper.WriteByte('\n')
		return protocol.EncodeSTX([]byte{protocol.ACK})
	case CmdCut:
		e.cuts++
		return protocol.EncodeSTX([]byte{protocol.ACK})
	}
	return protocol.EncodeSTX([]byte{protocol.NAK, 0})
}

// blocked 无法打印时返回对应的设备码
func (e *Emulator) blocked() (status.Code, bool) {
	switch {
	case e.flags&(1<<3) != 0:
		return status.HeadOpen, true
	case e.flags&(1<<1) != 0:
		return status.PaperEnd, true
	case e.flags&(1<<2) != 0:
		return status.PaperJam, true
	}
	return status.OK, false
}

// SetCodes 以状态码设置标志字节
func (e *Emulator) SetCodes(codes ...status.Code) {
	e.mu.Lock()
	e.flags = byte(statusBits.Encode(status.NewCollection(codes...)))
	e.mu.Unlock()
}

// SetSilent 模拟掉线
func (e *Emulator) SetSilent(silent bool) {
	e.mu.Lock()
	e.silent = silent
	e.mu.Unlock()
}

// Printed 已打印的内容
func (e *Emulator) Printed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paper.String()
}

// Cuts 切纸次数
func (e *Emulator) Cuts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cuts
}

// Resets 复位次数
func (e *Emulator) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}
