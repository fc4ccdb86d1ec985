package protocol

import (
	"time"
)

// Exchange 一次协议尝试的记录
type Exchange struct {
	Device   string
	Request  []byte
	Response []byte
	Attempt  int
	Duration time.Duration
	Err      error
	Time     time.Time
}

// Tracer 协议交互追踪钩子，在引擎事务内同步调用，实现不应阻塞
type Tracer interface {
	Trace(x Exchange)
}

// TracerFunc 函数适配器
type TracerFunc func(x Exchange)

// Trace 实现 Tracer
func (f TracerFunc) Trace(x Exchange) {
	f(x)
}

// Tracers 依次调用多个追踪器
type Tracers []Tracer

// Trace 实现 Tracer
func (ts Tracers) Trace(x Exchange) {
	for _, t := range ts {
		if t != nil {
			t.Trace(x)
		}
	}
}
