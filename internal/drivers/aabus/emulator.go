package aabus

import (
	"encoding/binary"
	"sync"

	"github.com/wfunc/kiosk-devices/internal/protocol"
)

// Handler 处理一条命令，返回应答命令码和数据
type Handler func(data []byte) (byte, []byte)

// Emulator 0xAA 帧板卡模拟器，供虚拟传输和测试使用
type Emulator struct {
	mu       sync.Mutex
	identity string
	status   uint16
	extra    func() []byte
	queued   []uint16
	handlers map[byte]Handler
	commands []byte
	silent   bool
	resets   int
}

// NewEmulator 创建模拟器，identity 为 "型号;固件;序列号"
func NewEmulator(identity string) *Emulator {
	e := &Emulator{
		identity: identity,
		handlers: make(map[byte]Handler),
	}
	e.handlers[CmdIdentify] = func([]byte) (byte, []byte) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return CmdIdentify, []byte(e.identity)
	}
	e.handlers[CmdGetStatus] = func([]byte) (byte, []byte) {
		e.mu.Lock()
		word := e.status
		if len(e.queued) > 0 {
			word = e.queued[0]
			e.queued = e.queued[1:]
		}
		extra := e.extra
		e.mu.Unlock()

		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, word)
		if extra != nil {
			data = append(data, extra()...)
		}
		return CmdGetStatus, data
	}
	e.handlers[CmdReset] = func([]byte) (byte, []byte) {
		e.mu.Lock()
		e.resets++
		e.mu.Unlock()
		return protocol.AACmdACK, nil
	}
	return e
}

// Handle 注册或替换命令处理
func (e *Emulator) Handle(cmd byte, h Handler) {
	e.mu.Lock()
	e.handlers[cmd] = h
	e.mu.Unlock()
}

// SetStatus 设置持续状态字
func (e *Emulator) SetStatus(word uint16) {
	e.mu.Lock()
	e.status = word
	e.mu.Unlock()
}

// Status 当前持续状态字
func (e *Emulator) Status() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// QueueStatus 依次返回这些状态字，之后回到持续状态字
func (e *Emulator) QueueStatus(words ...uint16) {
	e.mu.Lock()
	e.queued = append(e.queued, words...)
	e.mu.Unlock()
}

// SetExtra 状态应答的附加数据
func (e *Emulator) SetExtra(fn func() []byte) {
	e.mu.Lock()
	e.extra = fn
	e.mu.Unlock()
}

// SetSilent 模拟掉线：不应答任何请求
func (e *Emulator) SetSilent(silent bool) {
	e.mu.Lock()
	e.silent = silent
	e.mu.Unlock()
}

// Commands 收到的命令码序列
func (e *Emulator) Commands() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.commands...)
}

// Resets 收到的复位次数
func (e *Emulator) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// Respond 实现 transport.Responder
func (e *Emulator) Respond(req []byte) []byte {
	cmd, seq, data, ok := protocol.ParseAARequest(req)
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	silent := e.silent
	h := e.handlers[cmd]
	e.mu.Unlock()

	if silent {
		return nil
	}
	if h == nil {
		return protocol.EncodeAAAnswer(protocol.AACmdNACK, seq, []byte{0xFF})
	}
	respCmd, respData := h(data)
	return protocol.EncodeAAAnswer(respCmd, seq, respData)
}

// NACK 构造 NACK 应答的处理结果
func NACK(code byte) (byte, []byte) {
	return protocol.AACmdNACK, []byte{code}
}
