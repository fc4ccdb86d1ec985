package protocol

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

const readChunk = 256

// Options 单次事务参数，零值字段使用引擎默认值
type Options struct {
	Timeout       time.Duration // 每次尝试的应答超时
	Retries       int           // 总尝试次数（>=1）
	RetryDelay    time.Duration // 首次重试前的等待
	BackoffFactor float64       // 重试等待的倍数，<=1 表示固定间隔
	MinAnswer     int           // 应答最短长度
}

// DefaultOptions 默认事务参数
func DefaultOptions() Options {
	return Options{
		Timeout:       300 * time.Millisecond,
		Retries:       3,
		RetryDelay:    20 * time.Millisecond,
		BackoffFactor: 1,
	}
}

func (o Options) merge(d Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Retries <= 0 {
		o.Retries = d.Retries
	}
	if o.Retries <= 0 {
		o.Retries = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = d.BackoffFactor
	}
	if o.MinAnswer <= 0 {
		o.MinAnswer = d.MinAnswer
	}
	return o
}

// Config 引擎配置
type Config struct {
	Name      string
	Transport transport.Transport
	Framer    Framer
	Defaults  Options
	Tracer    Tracer
	Logger    *zap.Logger
}

// Engine 协议引擎：组帧、校验、超时和有限次重试
//
// 同一引擎上的事务串行执行，一个事务完成或超时之前不会开始下一个。
type Engine struct {
	name      string
	transport transport.Transport
	framer    Framer
	base      Options // 构造时的默认值
	defaults  atomic.Pointer[Options]
	tracer    Tracer
	log       *zap.Logger

	mu    sync.Mutex
	stats counters
}

// NewEngine 创建协议引擎
func NewEngine(cfg Config) *Engine {
	defaults := cfg.Defaults.merge(DefaultOptions())
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("protocol")
	}
	e := &Engine{
		name:      cfg.Name,
		transport: cfg.Transport,
		framer:    cfg.Framer,
		base:      defaults,
		tracer:    cfg.Tracer,
		log:       log.With(zap.String("device", cfg.Name)),
	}
	e.defaults.Store(&defaults)
	return e
}

// Name 引擎绑定的设备名
func (e *Engine) Name() string {
	return e.name
}

// Transport 绑定的传输
func (e *Engine) Transport() transport.Transport {
	return e.transport
}

// Defaults 默认事务参数
func (e *Engine) Defaults() Options {
	return *e.defaults.Load()
}

// SetDefaults 替换默认事务参数，从下一个事务开始生效
//
// 零值字段使用构造时的默认值。
func (e *Engine) SetDefaults(o Options) {
	merged := o.merge(e.base)
	e.defaults.Store(&merged)
}

// Process 执行一次命令事务，返回应答载荷
//
// 传输和协议失败在本地重试，设备失败立即返回。
func (e *Engine) Process(ctx context.Context, cmd []byte, opts *Options) ([]byte, error) {
	o := e.Defaults()
	if opts != nil {
		o = opts.merge(o)
	}

	if max := e.framer.MaxPayload(); len(cmd) > max {
		e.stats.failed.Add(1)
		return nil, errors.Newf(errors.ErrFrameTooLarge, "%d > %d", len(cmd), max)
	}

	// 编码在锁内进行，序列号与本次事务一一对应
	e.mu.Lock()
	defer e.mu.Unlock()
	frame, err := e.framer.Encode(cmd)
	if err != nil {
		e.stats.failed.Add(1)
		return nil, errors.Wrap(err, errors.ErrFrameMalformed)
	}
	e.stats.transactions.Add(1)

	delay := o.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= o.Retries; attempt++ {
		if attempt > 1 {
			e.stats.retries.Add(1)
			if !sleepContext(ctx, delay) {
				lastErr = errors.Wrap(ctx.Err(), errors.ErrCanceled)
				break
			}
			if o.BackoffFactor > 1 {
				delay = time.Duration(float64(delay) * o.BackoffFactor)
			}
		} else if cerr := ctx.Err(); cerr != nil {
			return nil, errors.Wrap(cerr, errors.ErrCanceled)
		}
		// 丢弃上一个事务的迟到应答和线路噪声
		if cerr := e.transport.Clear(); cerr != nil {
			e.log.Debug("清空输入缓冲失败", zap.Error(cerr))
		}

		start := time.Now()
		answer, raw, err := e.exchange(frame, o.Timeout)
		if err == nil && len(answer) < o.MinAnswer {
			err = errors.Newf(errors.ErrUnexpectedAnswer, "answer %d bytes, expected >= %d", len(answer), o.MinAnswer)
		}
		elapsed := time.Since(start)
		e.emit(Exchange{
			Device:   e.name,
			Request:  frame,
			Response: raw,
			Attempt:  attempt,
			Duration: elapsed,
			Err:      err,
			Time:     start,
		})

		if err == nil {
			e.stats.succeeded.Add(1)
			e.stats.lastLatency.Store(int64(elapsed))
			return answer, nil
		}

		lastErr = err
		e.stats.count(err)
		if !errors.IsRetryable(err) {
			break
		}
		if attempt < o.Retries {
			e.log.Debug("事务失败，准备重试",
				zap.Int("attempt", attempt),
				zap.Int("retries", o.Retries),
				zap.Error(err))
		}
	}

	e.stats.failed.Add(1)
	return nil, lastErr
}

// exchange 写入一帧并读取应答直到完整、失败或超时
func (e *Engine) exchange(frame []byte, timeout time.Duration) ([]byte, []byte, error) {
	n, err := e.transport.Write(frame)
	e.stats.bytesSent.Add(uint64(n))
	if err != nil {
		return nil, nil, err
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, readChunk)
	for {
		for len(buf) > 0 {
			answer, consumed, derr := e.framer.Decode(buf)
			if derr == nil {
				return answer, buf[:consumed], nil
			}
			if stderrors.Is(derr, ErrIncomplete) {
				if consumed > 0 {
					buf = buf[consumed:]
					continue
				}
				break
			}
			if _, ok := errors.As(derr); !ok {
				derr = errors.Wrap(derr, errors.ErrFrameMalformed)
			}
			return nil, buf, derr
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, buf, errors.Newf(errors.ErrTransportTimeout, "%s: no complete answer in %v (%d bytes)", e.name, timeout, len(buf))
		}
		m, rerr := e.transport.Read(chunk, remaining, 1)
		e.stats.bytesReceived.Add(uint64(m))
		buf = append(buf, chunk[:m]...)
		if rerr != nil && !errors.Is(rerr, errors.ErrTransportTimeout) {
			return nil, buf, rerr
		}
	}
}

func (e *Engine) emit(x Exchange) {
	if ce := e.log.Check(zap.DebugLevel, "exchange"); ce != nil {
		fields := []zap.Field{
			zap.String("tx", hex.EncodeToString(x.Request)),
			zap.String("rx", hex.EncodeToString(x.Response)),
			zap.Int("attempt", x.Attempt),
			zap.Duration("latency", x.Duration),
		}
		if x.Err != nil {
			fields = append(fields, zap.Error(x.Err))
		}
		ce.Write(fields...)
	}
	if e.tracer != nil {
		e.tracer.Trace(x)
	}
}

// Stats 统计快照
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Stats 引擎统计
type Stats struct {
	Transactions  uint64        `json:"transactions"`
	Succeeded     uint64        `json:"succeeded"`
	Failed        uint64        `json:"failed"`
	Retries       uint64        `json:"retries"`
	Timeouts      uint64        `json:"timeouts"`
	ProtocolErrs  uint64        `json:"protocol_errors"`
	DeviceErrs    uint64        `json:"device_errors"`
	BytesSent     uint64        `json:"bytes_sent"`
	BytesReceived uint64        `json:"bytes_received"`
	LastLatency   time.Duration `json:"last_latency"`
}

type counters struct {
	transactions  atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	retries       atomic.Uint64
	timeouts      atomic.Uint64
	protocolErrs  atomic.Uint64
	deviceErrs    atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	lastLatency   atomic.Int64
}

func (c *counters) count(err error) {
	switch errors.CategoryOf(err) {
	case errors.CategoryTransport:
		if errors.Is(err, errors.ErrTransportTimeout) {
			c.timeouts.Add(1)
		}
	case errors.CategoryProtocol:
		c.protocolErrs.Add(1)
	case errors.CategoryDevice:
		c.deviceErrs.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Transactions:  c.transactions.Load(),
		Succeeded:     c.succeeded.Load(),
		Failed:        c.failed.Load(),
		Retries:       c.retries.Load(),
		Timeouts:      c.timeouts.Load(),
		ProtocolErrs:  c.protocolErrs.Load(),
		DeviceErrs:    c.deviceErrs.Load(),
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		LastLatency:   time.Duration(c.lastLatency.Load()),
	}
}
