package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// 传输类型
const (
	TransportSerial  = "serial"
	TransportVirtual = "virtual"
)

// SettingsStore 实例配置的持久化，由外部实现
type SettingsStore interface {
	Load(ctx context.Context, path string) (map[string]interface{}, error)
	Save(ctx context.Context, path string, values map[string]interface{}) error
}

// InstanceConfig 创建实例的配置
type InstanceConfig struct {
	Transport string               // serial | virtual，空值时有端口则为串口
	Port      string               // 串口设备
	Backend   string               // 串口后端 tarm | goburrow
	Link      transport.Parameters // 零值字段使用驱动默认值
	Params    map[string]interface{}
}

// Handle 实例句柄
type Handle string

// Instance 实例快照
type Instance struct {
	Handle    Handle    `json:"handle"`
	Path      string    `json:"path"`
	Driver    string    `json:"driver"`
	Transport string    `json:"transport"`
	Created   time.Time `json:"created"`
}

type instance struct {
	Instance
	device    *device.Device
	transport transport.Transport
}

// Options 注册表参数
type Options struct {
	Catalog         *status.Catalog
	Settings        SettingsStore
	Tracer          protocol.Tracer
	Timing          device.Timing
	Engine          protocol.Options
	NotifyQueueSize int
	Logger          *zap.Logger
}

// Registry 驱动注册表和实例生命周期管理
type Registry struct {
	opts Options
	log  *zap.Logger

	mu        sync.RWMutex
	drivers   map[string]*Descriptor
	locations []string
	instances map[Handle]*instance
	byPath    map[string]Handle
	observers []device.Observer
	closed    bool
}

// New 创建注册表
func New(opts Options) *Registry {
	if opts.Catalog == nil {
		opts.Catalog = status.NewDefaultCatalog()
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithModule("registry")
	}
	return &Registry{
		opts:      opts,
		log:       log,
		drivers:   make(map[string]*Descriptor),
		instances: make(map[Handle]*instance),
		byPath:    make(map[string]Handle),
	}
}

// Catalog 状态码目录
func (r *Registry) Catalog() *status.Catalog {
	return r.opts.Catalog
}

// Register 注册驱动，同一路径先注册者生效，重复注册返回 false
func (r *Registry) Register(desc Descriptor) (bool, error) {
	if err := ValidatePath(desc.Path); err != nil {
		return false, err
	}
	if len(splitPath(desc.Path)) != 3 {
		return false, errors.Newf(errors.ErrInvalidPath, "%q: driver path has no instance qualifier", desc.Path)
	}
	if desc.Factory == nil {
		return false, errors.Newf(errors.ErrInvalidParam, "%s: factory is nil", desc.Path)
	}
	for _, p := range desc.Params {
		if p.Default != nil {
			if err := p.Check(p.Default); err != nil {
				return false, err
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.drivers[desc.Path]; ok {
		r.log.Debug("驱动已注册，忽略重复注册",
			zap.String("path", desc.Path),
			zap.String("existing", existing.Source),
			zap.String("ignored", desc.Source))
		return false, nil
	}
	r.drivers[desc.Path] = desc.clone()
	r.log.Info("驱动已注册", zap.String("path", desc.Path), zap.String("source", desc.Source))
	return true, nil
}

// Descriptor 查找驱动描述
func (r *Registry) Descriptor(path string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[DriverPath(path)]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// ListAvailable 按过滤器列出已注册驱动路径（排序）
func (r *Registry) ListAvailable(filter string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for p := range r.drivers {
		if Match(filter, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// ParameterSchema 驱动参数表
func (r *Registry) ParameterSchema(path string) ([]ParamDescriptor, error) {
	d, ok := r.Descriptor(path)
	if !ok {
		return nil, errors.Newf(errors.ErrUnknownDriver, "%s", path)
	}
	return d.Schema(), nil
}

// Subscribe 为现有和以后创建的实例添加观察者
func (r *Registry) Subscribe(o device.Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	devices := make([]*device.Device, 0, len(r.instances))
	for _, inst := range r.instances {
		devices = append(devices, inst.device)
	}
	r.mu.Unlock()

	for _, d := range devices {
		d.AddObserver(o)
	}
}

// CreateInstance 创建并启动实例
//
// 配置校验失败时不会创建任何东西。持久化的配置先合并，调用方提供的值优先。
func (r *Registry) CreateInstance(ctx context.Context, path string, cfg InstanceConfig) (Handle, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	desc, ok := r.Descriptor(path)
	if !ok {
		return "", errors.Newf(errors.ErrUnknownDriver, "%s", path)
	}

	values := make(map[string]interface{})
	if r.opts.Settings != nil {
		saved, err := r.opts.Settings.Load(ctx, path)
		if err != nil {
			r.log.Warn("读取持久化配置失败", zap.String("path", path), zap.Error(err))
		}
		for k, v := range saved {
			values[k] = v
		}
	}
	for k, v := range cfg.Params {
		values[k] = v
	}
	if err := desc.Validate(values); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New(errors.ErrNotReady, "registry is shut down")
	}
	if h, exists := r.byPath[path]; exists {
		r.mu.Unlock()
		return "", errors.Newf(errors.ErrAlreadyExists, "%s already created as %s", path, h)
	}
	// 先占位，防止并发创建同一路径
	h := Handle(uuid.NewString())
	r.byPath[path] = h
	observers := append([]device.Observer(nil), r.observers...)
	r.mu.Unlock()

	inst, err := r.build(ctx, h, path, desc, cfg, values, observers)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil || r.closed {
		delete(r.byPath, path)
		if err == nil {
			inst.device.Stop()
			_ = inst.transport.Close()
			err = errors.New(errors.ErrNotReady, "registry is shut down")
		}
		return "", err
	}
	r.instances[h] = inst
	r.log.Info("实例已创建",
		zap.String("path", path),
		zap.String("handle", string(h)),
		zap.String("transport", inst.Transport))
	return h, nil
}

func (r *Registry) build(ctx context.Context, h Handle, path string, desc *Descriptor, cfg InstanceConfig,
	values map[string]interface{}, observers []device.Observer) (*instance, error) {
	log := logger.ForDevice(path)
	if r.opts.Logger != nil {
		log = r.opts.Logger.With(zap.String("device", path))
	}

	tr, kind, err := r.buildTransport(path, desc, cfg, log)
	if err != nil {
		return nil, err
	}

	store := params.NewWithDefaults(values, desc.Defaults())
	engines := &engineSet{}
	env := Env{
		Path:      path,
		Transport: tr,
		Params:    store,
		Catalog:   r.opts.Catalog,
		Engine:    engineOptions(r.opts.Engine, store),
		Tracer:    r.opts.Tracer,
		Logger:    log,
		engines:   engines,
	}
	drv, err := desc.Factory(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidate, path)
	}
	// 引擎参数先于驱动自身的配置处理更新
	onParams := func(ctx context.Context, p params.Reader) {
		engines.apply(r.opts.Engine, p)
		if drv.OnParamsChanged != nil {
			drv.OnParamsChanged(ctx, p)
		}
	}

	dev, err := device.New(device.Config{
		Path:            path,
		Transport:       tr,
		Protocol:        drv.Protocol,
		Cleaner:         drv.Cleaner,
		Catalog:         r.opts.Catalog,
		Params:          store,
		Timing:          r.opts.Timing,
		Reactions:       drv.Reactions,
		Capabilities:    drv.Capabilities,
		Observers:       observers,
		QueueSize:       r.opts.NotifyQueueSize,
		OnParamsChanged: onParams,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	if err := dev.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	return &instance{
		Instance: Instance{
			Handle:    h,
			Path:      path,
			Driver:    desc.Path,
			Transport: kind,
			Created:   time.Now(),
		},
		device:    dev,
		transport: tr,
	}, nil
}

func (r *Registry) buildTransport(path string, desc *Descriptor, cfg InstanceConfig, log *zap.Logger) (transport.Transport, string, error) {
	kind := cfg.Transport
	if kind == "" {
		kind = TransportVirtual
		if cfg.Port != "" {
			kind = TransportSerial
		}
	}

	switch kind {
	case TransportVirtual:
		if desc.Emulator == nil {
			return nil, "", errors.Newf(errors.ErrConfigValidate, "%s: driver has no emulator", path)
		}
		return transport.NewVirtual(path, desc.Emulator()), kind, nil
	case TransportSerial:
		if cfg.Port == "" {
			return nil, "", errors.Newf(errors.ErrConfigMissing, "%s: serial port", path)
		}
		link := mergeLink(cfg.Link, desc.Link)
		return transport.NewSerial(cfg.Port, cfg.Backend, link, log), kind, nil
	default:
		return nil, "", errors.Newf(errors.ErrConfigValidate, "%s: unknown transport %q", path, kind)
	}
}

func mergeLink(p, d transport.Parameters) transport.Parameters {
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

func engineOptions(base protocol.Options, p params.Reader) protocol.Options {
	base.Timeout = p.Duration(KeyCommandTimeout, base.Timeout)
	base.Retries = p.Int(KeyRetries, base.Retries)
	return base
}

// DestroyInstance 停止轮询、释放传输并使句柄失效
func (r *Registry) DestroyInstance(ctx context.Context, h Handle) error {
	r.mu.Lock()
	inst, ok := r.instances[h]
	if ok {
		delete(r.instances, h)
		delete(r.byPath, inst.Path)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrInvalidHandle, "%s", h)
	}
	r.teardown(ctx, inst)
	return nil
}

func (r *Registry) teardown(ctx context.Context, inst *instance) {
	inst.device.Stop()
	if err := inst.transport.Close(); err != nil {
		r.log.Warn("关闭传输失败", zap.String("path", inst.Path), zap.Error(err))
	}
	if r.opts.Settings != nil {
		if err := r.opts.Settings.Save(ctx, inst.Path, inst.device.Params().Snapshot()); err != nil {
			r.log.Warn("保存实例配置失败", zap.String("path", inst.Path), zap.Error(err))
		}
	}
	r.log.Info("实例已销毁", zap.String("path", inst.Path), zap.String("handle", string(inst.Handle)))
}

// Lookup 按句柄查找设备
func (r *Registry) Lookup(h Handle) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[h]
	if !ok {
		return nil, false
	}
	return inst.device, true
}

// Info 实例信息
func (r *Registry) Info(h Handle) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[h]
	if !ok {
		return Instance{}, false
	}
	return inst.Instance, true
}

// Instances 全部实例，按路径排序
func (r *Registry) Instances() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Instance)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HandleOf 按实例路径查找句柄
func (r *Registry) HandleOf(path string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byPath[path]
	if !ok {
		return "", false
	}
	// 创建中的占位不算
	if _, created := r.instances[h]; !created {
		return "", false
	}
	return h, true
}

// Configure 校验并原子写入实例配置，下一个轮询周期前生效
func (r *Registry) Configure(ctx context.Context, h Handle, values map[string]interface{}) error {
	r.mu.RLock()
	inst, ok := r.instances[h]
	var desc *Descriptor
	if ok {
		desc = r.drivers[inst.Driver]
	}
	r.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.ErrInvalidHandle, "%s", h)
	}

	// 只校验本次写入涉及的键
	for _, p := range desc.Schema() {
		v, present := values[p.Name]
		if !present {
			continue
		}
		if err := p.Check(v); err != nil {
			return err
		}
	}

	store := inst.device.Params()
	store.SetMany(values)
	if r.opts.Settings != nil {
		if err := r.opts.Settings.Save(ctx, inst.Path, store.Snapshot()); err != nil {
			r.log.Warn("保存实例配置失败", zap.String("path", inst.Path), zap.Error(err))
		}
	}
	return nil
}

// Ref 弱引用，不延长实例生命周期
func (r *Registry) Ref(h Handle) WeakRef {
	return WeakRef{reg: r, handle: h}
}

// Shutdown 销毁全部实例，之后不能再创建
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	all := make([]*instance, 0, len(r.instances))
	for h, inst := range r.instances {
		all = append(all, inst)
		delete(r.instances, h)
		delete(r.byPath, inst.Path)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range all {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			r.teardown(ctx, inst)
		}(inst)
	}
	wg.Wait()
	r.log.Info("注册表已关闭", zap.Int("instances", len(all)))
}

// WeakRef 实例弱引用，实例销毁后 Valid 返回 false
type WeakRef struct {
	reg    *Registry
	handle Handle
}

// Handle 句柄
func (w WeakRef) Handle() Handle {
	return w.handle
}

// Valid 实例是否仍然存在
func (w WeakRef) Valid() bool {
	if w.reg == nil {
		return false
	}
	_, ok := w.reg.Lookup(w.handle)
	return ok
}

// Device 实例存在时返回设备
func (w WeakRef) Device() (*device.Device, bool) {
	if w.reg == nil {
		return nil, false
	}
	return w.reg.Lookup(w.handle)
}
