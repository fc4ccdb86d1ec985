package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// Config 设备构造参数
type Config struct {
	Path      string
	Transport transport.Transport // 可为空；非空时由设备负责打开和恢复时重开
	Protocol  Protocol
	Cleaner   status.Cleaner
	Catalog   *status.Catalog
	Params    *params.Store
	Timing    Timing
	Reactions []Reaction

	Capabilities Capabilities
	Observers    []Observer
	QueueSize    int // 通知队列长度
	CommandQueue int // 命令队列长度

	// OnParamsChanged 配置变化后在轮询协程内调用
	OnParamsChanged func(ctx context.Context, p params.Reader)

	Logger *zap.Logger
}

// 同步命令的认领状态，调用方和轮询协程谁先改变状态谁生效
const (
	cmdQueued int32 = iota
	cmdStarted
	cmdAbandoned
)

type command struct {
	name  string
	fn    func(ctx context.Context) error
	done  chan error
	claim *atomic.Int32 // 为空表示不等待结果的命令
}

// start 轮询协程认领命令，调用方已放弃时返回 false
func (c command) start() bool {
	return c.claim == nil || c.claim.CompareAndSwap(cmdQueued, cmdStarted)
}

// abandon 调用方放弃命令，命令已开始执行时返回 false
func (c command) abandon() bool {
	return c.claim.CompareAndSwap(cmdQueued, cmdAbandoned)
}

// Device 一个设备实例：一个协程运行轮询状态机
//
// 设备状态只由轮询协程修改，对外通过快照和通知发布。
type Device struct {
	path      string
	transport transport.Transport
	proto     Protocol
	cleaner   status.Cleaner
	catalog   *status.Catalog
	params    *params.Store
	timing    Timing
	reactions []Reaction
	caps      Capabilities
	onParams  func(ctx context.Context, p params.Reader)
	log       *zap.Logger

	notifier *notifier
	cmds     chan command

	state    atomic.Int32
	ready    atomic.Bool
	disabled atomic.Bool

	mu        sync.RWMutex
	current   status.Collection
	identity  Identity
	lastError error
	seq       uint64

	// 以下字段只在轮询协程内访问
	prev          status.Collection
	failures      int
	backoff       time.Duration
	paramsVersion uint64

	lifeMu  sync.Mutex
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New 创建设备，不启动轮询
func New(cfg Config) (*Device, error) {
	if cfg.Path == "" {
		return nil, errors.New(errors.ErrInvalidParam, "device path is empty")
	}
	if cfg.Protocol == nil {
		return nil, errors.Newf(errors.ErrInvalidParam, "%s: protocol is nil", cfg.Path)
	}
	if cfg.Cleaner == nil {
		cfg.Cleaner = status.BaseCleaner{}
	}
	if cfg.Catalog == nil {
		cfg.Catalog = status.NewDefaultCatalog()
	}
	if cfg.Params == nil {
		cfg.Params = params.New(nil)
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 16
	}
	log := cfg.Logger
	if log == nil {
		log = logger.ForDevice(cfg.Path)
	}

	d := &Device{
		path:      cfg.Path,
		transport: cfg.Transport,
		proto:     cfg.Protocol,
		cleaner:   cfg.Cleaner,
		catalog:   cfg.Catalog,
		params:    cfg.Params,
		timing:    cfg.Timing.withDefaults(),
		reactions: cfg.Reactions,
		caps:      cfg.Capabilities,
		onParams:  cfg.OnParamsChanged,
		log:       log,
		notifier:  newNotifier(cfg.QueueSize, log),
		cmds:      make(chan command, cfg.CommandQueue),
		current:   status.NewCollection(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range cfg.Observers {
		d.notifier.add(o)
	}
	return d, nil
}

// Path 注册路径
func (d *Device) Path() string {
	return d.path
}

// Params 实例配置
func (d *Device) Params() *params.Store {
	return d.params
}

// Catalog 状态码目录
func (d *Device) Catalog() *status.Catalog {
	return d.catalog
}

// Transport 绑定的传输，可能为空
func (d *Device) Transport() transport.Transport {
	return d.transport
}

// AddObserver 追加观察者
func (d *Device) AddObserver(o Observer) {
	d.notifier.add(o)
}

// Start 启动轮询协程
func (d *Device) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	select {
	case <-d.stopCh:
		return errors.Newf(errors.ErrNotReady, "%s stopped", d.path)
	default:
	}
	if d.started {
		return errors.Newf(errors.ErrAlreadyExists, "%s already started", d.path)
	}
	d.started = true
	go d.run(ctx)
	d.log.Info("设备轮询已启动")
	return nil
}

// Stop 停止轮询并等待协程退出，正在进行的事务会先完成或超时
//
// 返回后不会再有通知发出。
func (d *Device) Stop() {
	d.lifeMu.Lock()
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	if !d.started {
		d.started = true
		close(d.done)
	}
	d.lifeMu.Unlock()

	<-d.done
	d.notifier.close()
	d.ready.Store(false)
	d.log.Info("设备轮询已停止")
}

// Done 轮询协程退出后关闭
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// State 当前状态
func (d *Device) State() State {
	return State(d.state.Load())
}

// IsReady 已识别且可以接受命令
func (d *Device) IsReady() bool {
	if !d.ready.Load() {
		return false
	}
	switch d.State() {
	case StateReady, StatePolling:
		return true
	}
	return false
}

// Status 最近一次发布的状态集合副本
func (d *Device) Status() status.Collection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current.Clone()
}

// Identity 识别结果
func (d *Device) Identity() Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.identity
}

// LastError 最近一次通信错误
func (d *Device) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastError
}

// Execute 在轮询协程内同步执行命令
//
// 命令排在下一次轮询之前执行，不会打断正在进行的事务。
// ctx 在命令开始前结束时命令不再执行；已开始的命令等待其完成并返回结果。
func (d *Device) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cmd := command{name: name, fn: fn, done: make(chan error, 1), claim: new(atomic.Int32)}
	if err := d.enqueue(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		if cmd.abandon() {
			return errors.Wrap(ctx.Err(), errors.ErrCanceled, name)
		}
		return <-cmd.done
	case <-d.done:
		// 协程退出前可能已执行
		if cmd.abandon() {
			return errors.Newf(errors.ErrNotReady, "%s stopped before %s ran", d.path, name)
		}
		return <-cmd.done
	}
}

// Post 提交命令但不等待结果
func (d *Device) Post(name string, fn func(ctx context.Context) error) error {
	select {
	case <-d.stopCh:
		return errors.Newf(errors.ErrNotReady, "%s stopped", d.path)
	default:
	}
	select {
	case d.cmds <- command{name: name, fn: fn}:
		return nil
	default:
		return errors.Newf(errors.ErrDeviceBusy, "%s command queue full", d.path)
	}
}

func (d *Device) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-d.stopCh:
		return errors.Newf(errors.ErrNotReady, "%s stopped", d.path)
	default:
	}
	select {
	case d.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCanceled, cmd.name)
	case <-d.stopCh:
		return errors.Newf(errors.ErrNotReady, "%s stopped", d.path)
	}
}

// Enable 恢复轮询，重新走识别流程
func (d *Device) Enable(ctx context.Context) error {
	return d.Execute(ctx, "enable", func(context.Context) error {
		if !d.disabled.Load() {
			return nil
		}
		d.disabled.Store(false)
		d.ready.Store(false)
		d.setState(StateUninitialized)
		return nil
	})
}

// Disable 停止轮询并发布 Disabled 状态
func (d *Device) Disable(ctx context.Context) error {
	return d.Execute(ctx, "disable", func(context.Context) error {
		if d.disabled.Load() {
			return nil
		}
		d.disabled.Store(true)
		d.setState(StateDisabled)
		d.publish(status.NewCollection(status.Disabled))
		return nil
	})
}

func (d *Device) run(parent context.Context) {
	defer close(d.done)
	defer d.failPending()

	// 停止只在循环顶部和等待期间生效，事务不被中途取消
	ctx := context.WithoutCancel(parent)
	changes, cancel := d.params.Subscribe()
	defer cancel()

	d.setState(StateUninitialized)
	nextCycle := time.Now()

	for {
		if d.stopping(parent) {
			return
		}

		select {
		case cmd := <-d.cmds:
			d.serve(ctx, cmd)
			continue
		default:
		}

		d.checkParams(ctx)

		if !time.Now().Before(nextCycle) {
			nextCycle = time.Now().Add(d.cycle(ctx))
		}

		timer := time.NewTimer(time.Until(nextCycle))
		select {
		case <-d.stopCh:
			timer.Stop()
			return
		case <-parent.Done():
			timer.Stop()
			return
		case cmd := <-d.cmds:
			timer.Stop()
			d.serve(ctx, cmd)
		case <-changes:
			timer.Stop()
			// 轮询间隔可能变化
			if interval := d.currentTiming().PollInterval; d.State() == StateReady && time.Until(nextCycle) > interval {
				nextCycle = time.Now().Add(interval)
			}
		case <-timer.C:
		}
	}
}

func (d *Device) stopping(parent context.Context) bool {
	select {
	case <-d.stopCh:
		return true
	case <-parent.Done():
		return true
	default:
		return false
	}
}

// failPending 退出时让排队中的同步命令返回
func (d *Device) failPending() {
	for {
		select {
		case cmd := <-d.cmds:
			if cmd.done != nil && cmd.start() {
				cmd.done <- errors.Newf(errors.ErrNotReady, "%s stopped before %s ran", d.path, cmd.name)
			}
		default:
			return
		}
	}
}

func (d *Device) serve(ctx context.Context, cmd command) {
	if !cmd.start() {
		d.log.Debug("调用方已放弃，跳过命令", zap.String("command", cmd.name))
		return
	}
	start := time.Now()
	err := d.safeCall(ctx, cmd)
	if err != nil {
		d.log.Warn("命令执行失败",
			zap.String("command", cmd.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	} else {
		d.log.Debug("命令执行完成",
			zap.String("command", cmd.name),
			zap.Duration("elapsed", time.Since(start)))
	}
	if cmd.done != nil {
		cmd.done <- err
	}
}

func (d *Device) safeCall(ctx context.Context, cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrUnknown, "command %s panic: %v", cmd.name, r)
		}
	}()
	return cmd.fn(ctx)
}

func (d *Device) checkParams(ctx context.Context) {
	v := d.params.Version()
	if v == d.paramsVersion {
		return
	}
	d.paramsVersion = v
	if d.onParams != nil {
		d.params.View(func(r params.Reader) {
			d.onParams(ctx, r)
		})
	}
	d.log.Debug("实例配置已更新", zap.Uint64("version", v))
}

func (d *Device) currentTiming() Timing {
	var t Timing
	d.params.View(func(r params.Reader) {
		t = d.timing.resolve(r)
	})
	return t
}

// cycle 执行一步状态机，返回距下一步的等待时间
func (d *Device) cycle(ctx context.Context) time.Duration {
	t := d.currentTiming()

	if d.disabled.Load() {
		return t.PollInterval
	}

	switch d.State() {
	case StateError:
		return d.recover(ctx, t)
	case StateUninitialized, StateIdentifying:
		if err := d.identify(ctx); err != nil {
			return d.enterError(err, t)
		}
		// 识别成功后立即轮询
		return d.poll(ctx, t)
	default:
		return d.poll(ctx, t)
	}
}

func (d *Device) identify(ctx context.Context) error {
	d.setState(StateIdentifying)
	d.ready.Store(false)

	if d.transport != nil && !d.transport.Opened() {
		if err := d.transport.Open(); err != nil {
			return err
		}
	}

	id, err := d.proto.Identify(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrIdentify, d.path)
	}

	d.mu.Lock()
	d.identity = id
	d.mu.Unlock()
	d.failures = 0
	d.ready.Store(true)
	d.setState(StateReady)
	d.log.Info("设备识别成功",
		zap.String("model", id.Model),
		zap.String("firmware", id.Firmware))
	return nil
}

func (d *Device) poll(ctx context.Context, t Timing) time.Duration {
	d.setState(StatePolling)
	raw, err := d.proto.QueryStatus(ctx)

	if err != nil && errors.CategoryOf(err) != errors.CategoryDevice {
		d.recordError(err)
		d.failures++
		d.log.Debug("状态查询失败",
			zap.Int("failures", d.failures),
			zap.Int("threshold", t.ResetThreshold),
			zap.Error(err))

		if d.failures < t.ResetThreshold {
			d.setState(StateReady)
			return t.PollInterval
		}

		d.log.Warn("连续通信失败，发送复位", zap.Int("failures", d.failures), zap.Error(err))
		if rerr := d.proto.Reset(ctx); rerr != nil {
			return d.enterError(rerr, t)
		}
		d.failures = 0
		d.setState(StateReady)
		return t.PollInterval
	}

	d.failures = 0
	if err != nil {
		// 设备失败：按目录把设备码映射成状态码
		raw = status.NewCollection(d.deviceCode(err))
		d.recordError(err)
	}
	if raw == nil {
		raw = status.NewCollection()
	}

	cleaned := d.cleaner.CleanStatusCodes(raw)
	onset, cleared := cleaned.Diff(d.prev)
	d.react(ctx, onset, cleared)

	if d.State() == StatePolling {
		d.setState(StateReady)
	}
	if len(onset) > 0 || len(cleared) > 0 {
		d.publish(cleaned)
	}
	return t.PollInterval
}

func (d *Device) deviceCode(err error) status.Code {
	code, ok := errors.DeviceCodeOf(err)
	if !ok || code == 0 {
		return status.Error
	}
	c := status.Code(code)
	if _, known := d.catalog.Lookup(c); !known {
		return status.Error
	}
	return c
}

func (d *Device) react(ctx context.Context, onset, cleared []status.Code) {
	if len(d.reactions) == 0 {
		return
	}
	fire := func(edge Edge, codes []status.Code) {
		for _, code := range codes {
			for _, r := range d.reactions {
				if r.Code != code || r.Edge != edge || r.Fn == nil {
					continue
				}
				if err := r.Fn(ctx, d.params); err != nil {
					d.log.Warn("状态响应动作失败",
						zap.String("reaction", r.Name),
						zap.Int("code", int(code)),
						zap.Stringer("edge", edge),
						zap.Error(err))
					continue
				}
				d.log.Debug("状态响应动作完成",
					zap.String("reaction", r.Name),
					zap.Int("code", int(code)),
					zap.Stringer("edge", edge))
			}
		}
	}
	fire(Onset, onset)
	fire(Cleared, cleared)
}

// enterError 进入错误状态并发布 NotAvailable
func (d *Device) enterError(err error, t Timing) time.Duration {
	d.recordError(err)
	d.ready.Store(false)
	first := d.State() != StateError
	d.setState(StateError)
	if first {
		d.backoff = t.ErrorInterval
		d.log.Error("设备不可用，进入错误状态", zap.Error(err))
	}
	if !d.prev.Equal(status.NewCollection(status.NotAvailable)) {
		d.publish(status.NewCollection(status.NotAvailable))
	}
	return d.nextBackoff(t)
}

// recover 重开传输、复位并重新识别
func (d *Device) recover(ctx context.Context, t Timing) time.Duration {
	d.log.Info("尝试恢复设备", zap.Duration("backoff", d.backoff))

	if d.transport != nil {
		if d.transport.Opened() {
			_ = d.transport.Close()
		}
		if err := d.transport.Open(); err != nil {
			d.recordError(err)
			return d.nextBackoff(t)
		}
	}
	if err := d.proto.Reset(ctx); err != nil {
		d.recordError(err)
		return d.nextBackoff(t)
	}
	if err := d.identify(ctx); err != nil {
		d.recordError(err)
		d.setState(StateError)
		return d.nextBackoff(t)
	}
	d.backoff = 0
	d.log.Info("设备已恢复")
	return d.poll(ctx, t)
}

func (d *Device) nextBackoff(t Timing) time.Duration {
	wait := d.backoff
	if wait < t.ErrorInterval {
		wait = t.ErrorInterval
	}
	if wait > t.MaxErrorInterval {
		wait = t.MaxErrorInterval
	}
	next := wait * 2
	if next > t.MaxErrorInterval {
		next = t.MaxErrorInterval
	}
	d.backoff = next
	return wait
}

func (d *Device) recordError(err error) {
	d.mu.Lock()
	d.lastError = err
	d.mu.Unlock()
}

func (d *Device) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	if old != s {
		d.log.Debug("状态切换", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// publish 更新当前状态并发出通知
func (d *Device) publish(c status.Collection) {
	onset, cleared := c.Diff(d.prev)
	d.prev = c.Clone()

	d.mu.Lock()
	d.current = c.Clone()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	n := Notification{
		Path:     d.path,
		State:    d.State(),
		Severity: c.MaxSeverity(d.catalog),
		Codes:    c.Codes(),
		Onset:    onset,
		Cleared:  cleared,
		Sequence: seq,
		Time:     time.Now(),
	}
	if worst, ok := c.Worst(d.catalog); ok {
		n.ExtendedCode = worst
		n.Message = d.catalog.Describe(worst)
	}
	d.notifier.publish(n)
}
