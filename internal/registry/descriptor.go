package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// ParamType 参数类型
type ParamType string

const (
	TypeString   ParamType = "string"
	TypeInt      ParamType = "int"
	TypeBool     ParamType = "bool"
	TypeFloat    ParamType = "float"
	TypeDuration ParamType = "duration"
)

// ParamDescriptor 参数描述
type ParamDescriptor struct {
	Name        string      `json:"name" yaml:"name"`
	Type        ParamType   `json:"type" yaml:"type"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool        `json:"required" yaml:"required"`
	Min         *float64    `json:"min,omitempty" yaml:"min,omitempty"` // 数值下限，含
	Max         *float64    `json:"max,omitempty" yaml:"max,omitempty"` // 数值上限，含
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Limit 数值范围边界
func Limit(v float64) *float64 {
	return &v
}

// Check 值能否转换为声明的类型，数值类型同时检查范围
func (p ParamDescriptor) Check(value interface{}) error {
	var err error
	switch p.Type {
	case TypeString, "":
		_, err = cast.ToStringE(value)
	case TypeInt:
		var n int
		if n, err = cast.ToIntE(value); err == nil {
			return p.checkRange(float64(n))
		}
	case TypeBool:
		_, err = cast.ToBoolE(value)
	case TypeFloat:
		var f float64
		if f, err = cast.ToFloat64E(value); err == nil {
			return p.checkRange(f)
		}
	case TypeDuration:
		switch v := value.(type) {
		case string:
			_, err = time.ParseDuration(v)
		case time.Duration:
		default:
			_, err = cast.ToFloat64E(v)
		}
	default:
		return errors.Newf(errors.ErrConfigValidate, "param %s: unknown type %s", p.Name, p.Type)
	}
	if err != nil {
		return errors.Newf(errors.ErrConfigValidate, "param %s: %v is not %s", p.Name, value, p.Type)
	}
	return nil
}

func (p ParamDescriptor) checkRange(v float64) error {
	if p.Min != nil && v < *p.Min {
		return errors.Newf(errors.ErrConfigValidate, "param %s: %v below minimum %v", p.Name, v, *p.Min)
	}
	if p.Max != nil && v > *p.Max {
		return errors.Newf(errors.ErrConfigValidate, "param %s: %v above maximum %v", p.Name, v, *p.Max)
	}
	return nil
}

// 所有设备族共有的参数
var commonParams = []ParamDescriptor{
	{Name: device.KeyPollInterval, Type: TypeDuration, Description: "poll interval"},
	{Name: device.KeyErrorInterval, Type: TypeDuration, Description: "first recovery delay in error state"},
	{Name: device.KeyMaxErrorInterval, Type: TypeDuration, Description: "recovery backoff ceiling"},
	{Name: device.KeyResetThreshold, Type: TypeInt, Min: Limit(1), Description: "consecutive link failures before reset"},
	{Name: KeyCommandTimeout, Type: TypeDuration, Description: "per attempt answer timeout"},
	{Name: KeyRetries, Type: TypeInt, Min: Limit(1), Description: "attempts per command"},
}

// 引擎相关配置键
const (
	KeyCommandTimeout = "command_timeout"
	KeyRetries        = "retries"
)

// Env 工厂可用的构造环境
type Env struct {
	Path      string
	Transport transport.Transport
	Params    *params.Store
	Catalog   *status.Catalog
	Engine    protocol.Options
	Tracer    protocol.Tracer
	Logger    *zap.Logger

	engines *engineSet
}

// NewEngine 以实例环境创建协议引擎
//
// 实例配置中的 command_timeout 和 retries 变化后，引擎在下一个轮询周期前更新。
func (e Env) NewEngine(framer protocol.Framer) *protocol.Engine {
	eng := protocol.NewEngine(protocol.Config{
		Name:      e.Path,
		Transport: e.Transport,
		Framer:    framer,
		Defaults:  e.Engine,
		Tracer:    e.Tracer,
		Logger:    e.Logger,
	})
	if e.engines != nil {
		e.engines.add(eng)
	}
	return eng
}

// engineSet 一个实例创建的全部引擎
type engineSet struct {
	mu   sync.Mutex
	list []*protocol.Engine
}

func (s *engineSet) add(e *protocol.Engine) {
	s.mu.Lock()
	s.list = append(s.list, e)
	s.mu.Unlock()
}

// apply 按实例配置更新引擎默认值
func (s *engineSet) apply(base protocol.Options, p params.Reader) {
	opts := engineOptions(base, p)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.list {
		e.SetDefaults(opts)
	}
}

// Driver 工厂产出的设备族行为
type Driver struct {
	Protocol        device.Protocol
	Cleaner         status.Cleaner
	Reactions       []device.Reaction
	Capabilities    device.Capabilities
	OnParamsChanged func(ctx context.Context, p params.Reader)
}

// Factory 驱动工厂
type Factory func(env Env) (Driver, error)

// Descriptor 驱动描述
type Descriptor struct {
	Path        string               `json:"path"`
	Description string               `json:"description,omitempty"`
	Models      []string             `json:"models,omitempty"`
	Params      []ParamDescriptor    `json:"params"`
	Link        transport.Parameters `json:"link"`
	Factory     Factory              `json:"-"`
	// Emulator 为虚拟传输创建应答器，每个实例一个
	Emulator func() transport.Responder `json:"-"`
	// Source 描述来源：内置库名或清单文件
	Source string `json:"source,omitempty"`
}

// Schema 设备族参数加公共参数
func (d *Descriptor) Schema() []ParamDescriptor {
	out := make([]ParamDescriptor, 0, len(d.Params)+len(commonParams))
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		out = append(out, p)
		seen[p.Name] = true
	}
	for _, p := range commonParams {
		if !seen[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// Defaults 参数表中声明的默认值
func (d *Descriptor) Defaults() map[string]interface{} {
	out := make(map[string]interface{})
	for _, p := range d.Schema() {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// Validate 按参数表校验配置
//
// 必填缺失或类型不符返回 ConfigurationFailure；未声明的键原样保留。
func (d *Descriptor) Validate(values map[string]interface{}) error {
	for _, p := range d.Schema() {
		v, ok := values[p.Name]
		if !ok {
			if p.Required && p.Default == nil {
				return errors.Newf(errors.ErrConfigMissing, "%s: required param %s", d.Path, p.Name)
			}
			continue
		}
		if err := p.Check(v); err != nil {
			return errors.Wrap(err, errors.ErrConfigValidate, d.Path)
		}
	}
	return nil
}

func (d *Descriptor) clone() *Descriptor {
	c := *d
	c.Models = append([]string(nil), d.Models...)
	c.Params = append([]ParamDescriptor(nil), d.Params...)
	return &c
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.Path, d.Source)
}
