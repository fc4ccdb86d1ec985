package device

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/status"
)

// State 轮询状态
type State int32

const (
	StateUninitialized State = iota // 未初始化
	StateIdentifying                // 识别中
	StateReady                      // 就绪，等待下一次轮询
	StatePolling                    // 轮询中
	StateError                      // 错误，低频恢复
	StateDisabled                   // 已禁用
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText 以名称序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Identity 识别结果
type Identity struct {
	Model    string `json:"model"`
	Firmware string `json:"firmware,omitempty"`
	Serial   string `json:"serial,omitempty"`
}

// Identifier 探测设备并读取型号
type Identifier interface {
	Identify(ctx context.Context) (Identity, error)
}

// StatusPoller 查询原始状态
type StatusPoller interface {
	QueryStatus(ctx context.Context) (status.Collection, error)
}

// Resetter 协议复位
type Resetter interface {
	Reset(ctx context.Context) error
}

// Protocol 设备族的协议行为
type Protocol interface {
	Identifier
	StatusPoller
	Resetter
}

// Edge 触发沿
type Edge int

const (
	Onset   Edge = iota // 状态码出现
	Cleared             // 状态码消失
)

func (e Edge) String() string {
	if e == Cleared {
		return "cleared"
	}
	return "onset"
}

// Reaction 状态码边沿触发的动作
//
// Fn 在轮询协程内同步执行，可以直接调用协议，不能调用 Device.Execute。
type Reaction struct {
	Name string
	Code status.Code
	Edge Edge
	Fn   func(ctx context.Context, p params.Reader) error
}

// 配置键
const (
	KeyPollInterval     = "poll_interval"
	KeyErrorInterval    = "error_interval"
	KeyMaxErrorInterval = "max_error_interval"
	KeyResetThreshold   = "reset_threshold"
)

// Timing 轮询节奏默认值，实例配置中的同名键优先
type Timing struct {
	PollInterval     time.Duration
	ErrorInterval    time.Duration
	MaxErrorInterval time.Duration
	ResetThreshold   int
}

// DefaultTiming 默认节奏
func DefaultTiming() Timing {
	return Timing{
		PollInterval:     200 * time.Millisecond,
		ErrorInterval:    time.Second,
		MaxErrorInterval: 30 * time.Second,
		ResetThreshold:   3,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.ErrorInterval <= 0 {
		t.ErrorInterval = d.ErrorInterval
	}
	if t.MaxErrorInterval < t.ErrorInterval {
		t.MaxErrorInterval = t.ErrorInterval
		if d.MaxErrorInterval > t.MaxErrorInterval {
			t.MaxErrorInterval = d.MaxErrorInterval
		}
	}
	if t.ResetThreshold <= 0 {
		t.ResetThreshold = d.ResetThreshold
	}
	return t
}

// resolve 用实例配置覆盖默认值
func (t Timing) resolve(r params.Reader) Timing {
	out := Timing{
		PollInterval:     r.Duration(KeyPollInterval, t.PollInterval),
		ErrorInterval:    r.Duration(KeyErrorInterval, t.ErrorInterval),
		MaxErrorInterval: r.Duration(KeyMaxErrorInterval, t.MaxErrorInterval),
		ResetThreshold:   r.Int(KeyResetThreshold, t.ResetThreshold),
	}
	return out.withDefaults()
}
