package status

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wfunc/kiosk-devices/internal/errors"
)

// Code 状态码
type Code int

// Severity 严重级别
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText 以名称序列化
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Type 状态分类
type Type int

const (
	TypeActual    Type = iota // 真实设备状态
	TypeService               // 内部记账，不向上报告
	TypeInterface             // 链路层状态
)

func (t Type) String() string {
	switch t {
	case TypeActual:
		return "actual"
	case TypeService:
		return "service"
	case TypeInterface:
		return "interface"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// MarshalText 以名称序列化
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// 状态码分区边界
const (
	ServiceBase   Code = 100
	InterfaceBase Code = 200
)

// Classify 按固定区间分类
func Classify(code Code) Type {
	switch {
	case code >= InterfaceBase:
		return TypeInterface
	case code >= ServiceBase:
		return TypeService
	default:
		return TypeActual
	}
}

// Descriptor 状态码描述，注册后不可变
type Descriptor struct {
	Code           Code     `json:"code"`
	Severity       Severity `json:"severity"`
	Type           Type     `json:"type"`
	DescriptionKey string   `json:"description_key"`
}

// Catalog 状态码目录
//
// 启动时注册，Seal 之后只读，并发读取无需加锁。
type Catalog struct {
	mu     sync.RWMutex
	sealed atomic.Bool
	codes  map[Code]Descriptor
}

// NewCatalog 创建空目录
func NewCatalog() *Catalog {
	return &Catalog{codes: make(map[Code]Descriptor)}
}

// Register 注册状态码
//
// 类型必须与区间一致；相同描述重复注册无副作用，冲突注册返回错误。
func (c *Catalog) Register(code Code, severity Severity, typ Type, descriptionKey string) error {
	if code < 0 {
		return errors.Newf(errors.ErrInvalidParam, "status code %d", code)
	}
	if Classify(code) != typ {
		return errors.Newf(errors.ErrConfigValidate, "status code %d is %s, registered as %s", code, Classify(code), typ)
	}

	d := Descriptor{Code: code, Severity: severity, Type: typ, DescriptionKey: descriptionKey}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed.Load() {
		return errors.Newf(errors.ErrConfigValidate, "catalog sealed, cannot register %d", code)
	}
	if existing, ok := c.codes[code]; ok {
		if existing == d {
			return nil
		}
		return errors.Newf(errors.ErrAlreadyExists, "status code %d already registered as %s", code, existing.DescriptionKey)
	}
	c.codes[code] = d
	return nil
}

// MustRegister 注册失败时panic，用于包初始化
func (c *Catalog) MustRegister(code Code, severity Severity, descriptionKey string) {
	if err := c.Register(code, severity, Classify(code), descriptionKey); err != nil {
		panic(err)
	}
}

// Seal 冻结目录
func (c *Catalog) Seal() {
	c.mu.Lock()
	c.sealed.Store(true)
	c.mu.Unlock()
}

// Sealed 是否已冻结
func (c *Catalog) Sealed() bool {
	return c.sealed.Load()
}

// Lookup 查找描述
func (c *Catalog) Lookup(code Code) (Descriptor, bool) {
	if c.sealed.Load() {
		d, ok := c.codes[code]
		return d, ok
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.codes[code]
	return d, ok
}

// Classify 分类，未注册的码同样按区间分类
func (c *Catalog) Classify(code Code) Type {
	return Classify(code)
}

// SeverityOf 严重级别，未注册的码视为错误
func (c *Catalog) SeverityOf(code Code) Severity {
	if d, ok := c.Lookup(code); ok {
		return d.Severity
	}
	return SeverityError
}

// Describe 描述键
func (c *Catalog) Describe(code Code) string {
	if d, ok := c.Lookup(code); ok {
		return d.DescriptionKey
	}
	return fmt.Sprintf("status.unknown.%d", code)
}

// Descriptors 按码排序的全部描述
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.codes))
	for _, d := range c.codes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
