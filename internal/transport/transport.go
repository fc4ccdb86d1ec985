package transport

import (
	"time"
)

// Parameters 链路参数
type Parameters struct {
	BaudRate int           `json:"baud_rate"`
	DataBits int           `json:"data_bits"`
	StopBits int           `json:"stop_bits"`
	Parity   string        `json:"parity"` // N | E | O
	Timeout  time.Duration `json:"timeout"`
}

// DefaultParameters 默认链路参数 9600 8N1
func DefaultParameters() Parameters {
	return Parameters{
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  100 * time.Millisecond,
	}
}

// withDefaults 补全未设置的参数
func (p Parameters) withDefaults() Parameters {
	d := DefaultParameters()
	if p.BaudRate <= 0 {
		p.BaudRate = d.BaudRate
	}
	if p.DataBits <= 0 {
		p.DataBits = d.DataBits
	}
	if p.StopBits <= 0 {
		p.StopBits = d.StopBits
	}
	if p.Parity == "" {
		p.Parity = d.Parity
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// Transport 字节级通信通道
//
// Read 阻塞直到至少读到 minSize 字节或超时；超时返回已读字节数和
// ErrTransportTimeout 错误。一个 Transport 只属于一个协议引擎。
type Transport interface {
	Name() string
	Open() error
	Close() error
	Clear() error
	Read(buf []byte, timeout time.Duration, minSize int) (int, error)
	Write(p []byte) (int, error)
	DeviceConnected() bool
	Opened() bool
	SetParameters(p Parameters) error
	Parameters() Parameters
}
