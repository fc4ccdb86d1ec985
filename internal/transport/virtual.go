package transport

import (
	"sync"
	"time"

	"github.com/wfunc/kiosk-devices/internal/errors"
)

// Responder 虚拟设备的应答函数，返回 nil 表示不应答
type Responder func(request []byte) []byte

// Virtual 内存中的虚拟端口，用于模拟器和测试
type Virtual struct {
	name string

	respMu    sync.Mutex
	responder Responder

	mu        sync.Mutex
	params    Parameters
	opened    bool
	connected bool
	rx        []byte
	wake      chan struct{}
	writes    [][]byte
}

// NewVirtual 创建虚拟端口
func NewVirtual(name string, responder Responder) *Virtual {
	return &Virtual{
		name:      name,
		responder: responder,
		params:    DefaultParameters(),
		connected: true,
		wake:      make(chan struct{}),
	}
}

// Name 端口名
func (v *Virtual) Name() string {
	return v.name
}

// SetResponder 替换应答函数
func (v *Virtual) SetResponder(r Responder) {
	v.respMu.Lock()
	v.responder = r
	v.respMu.Unlock()
}

// SetConnected 模拟设备插拔
func (v *Virtual) SetConnected(connected bool) {
	v.mu.Lock()
	v.connected = connected
	if !connected {
		v.opened = false
		v.rx = nil
		v.broadcastLocked()
	}
	v.mu.Unlock()
}

// Inject 注入设备主动上报的数据
func (v *Virtual) Inject(data []byte) {
	v.mu.Lock()
	v.rx = append(v.rx, data...)
	v.broadcastLocked()
	v.mu.Unlock()
}

// Writes 返回写入记录的副本
func (v *Virtual) Writes() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.writes))
	copy(out, v.writes)
	return out
}

// Open 打开端口
func (v *Virtual) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return errors.New(errors.ErrDeviceOffline, v.name)
	}
	v.opened = true
	return nil
}

// Close 关闭端口
func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opened = false
	v.rx = nil
	v.broadcastLocked()
	return nil
}

// Clear 清空接收缓冲
func (v *Virtual) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.opened {
		return errors.New(errors.ErrTransportClosed, v.name)
	}
	v.rx = nil
	return nil
}

// Read 读取至少 minSize 字节
func (v *Virtual) Read(buf []byte, timeout time.Duration, minSize int) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if minSize < 1 {
		minSize = 1
	}
	if minSize > len(buf) {
		minSize = len(buf)
	}

	deadline := time.Now().Add(timeout)
	n := 0
	for {
		v.mu.Lock()
		if !v.opened {
			v.mu.Unlock()
			return n, errors.New(errors.ErrTransportClosed, v.name)
		}
		c := copy(buf[n:], v.rx)
		v.rx = v.rx[c:]
		n += c
		wake := v.wake
		v.mu.Unlock()

		if n >= minSize {
			return n, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n, errors.Newf(errors.ErrTransportTimeout, "%s: %d/%d bytes in %v", v.name, n, minSize, timeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Write 写入并触发应答
func (v *Virtual) Write(p []byte) (int, error) {
	v.mu.Lock()
	if !v.opened {
		v.mu.Unlock()
		return 0, errors.New(errors.ErrTransportClosed, v.name)
	}
	req := append([]byte(nil), p...)
	v.writes = append(v.writes, req)
	v.mu.Unlock()

	v.respMu.Lock()
	responder := v.responder
	v.respMu.Unlock()
	if responder == nil {
		return len(p), nil
	}

	if resp := responder(req); len(resp) > 0 {
		v.Inject(resp)
	}
	return len(p), nil
}

// DeviceConnected 设备是否在线
func (v *Virtual) DeviceConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Opened 是否已打开
func (v *Virtual) Opened() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opened
}

// SetParameters 设置链路参数
func (v *Virtual) SetParameters(p Parameters) error {
	v.mu.Lock()
	v.params = p.withDefaults()
	v.mu.Unlock()
	return nil
}

// Parameters 当前链路参数
func (v *Virtual) Parameters() Parameters {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params
}

func (v *Virtual) broadcastLocked() {
	close(v.wake)
	v.wake = make(chan struct{})
}
