package params

import (
	"sort"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Reader 只读访问接口
type Reader interface {
	Get(key string) (interface{}, bool)
	GetOr(key string, def interface{}) interface{}
	Contains(key string) bool
	String(key, def string) string
	Int(key string, def int) int
	Bool(key string, def bool) bool
	Float(key string, def float64) float64
	Duration(key string, def time.Duration) time.Duration
}

// Store 设备实例的键值配置
//
// 多读单写；写操作整体完成后才对读者可见。
type Store struct {
	mu       sync.RWMutex
	values   map[string]interface{}
	defaults map[string]interface{}
	version  uint64

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// New 创建配置存储
func New(initial map[string]interface{}) *Store {
	return NewWithDefaults(initial, nil)
}

// NewWithDefaults 创建带默认值层的配置存储
//
// 读取时未设置的键回落到默认值；Snapshot 只包含显式设置的键。
func NewWithDefaults(initial, defaults map[string]interface{}) *Store {
	s := &Store{
		values:   make(map[string]interface{}, len(initial)),
		defaults: make(map[string]interface{}, len(defaults)),
		subs:     make(map[int]chan struct{}),
	}
	for k, v := range initial {
		s.values[k] = v
	}
	for k, v := range defaults {
		s.defaults[k] = v
	}
	return s
}

func (s *Store) reader() view {
	return view{values: s.values, defaults: s.defaults}
}

// Get 读取
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Get(key)
}

// GetOr 读取，不存在时返回默认值
func (s *Store) GetOr(key string, def interface{}) interface{} {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Contains 是否存在
func (s *Store) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// String 字符串值
func (s *Store) String(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().String(key, def)
}

// Int 整数值，无法转换时返回默认值
func (s *Store) Int(key string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Int(key, def)
}

// Bool 布尔值
func (s *Store) Bool(key string, def bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Bool(key, def)
}

// Float 浮点值
func (s *Store) Float(key string, def float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Float(key, def)
}

// Duration 时长值，数字按毫秒解释，字符串按 time.ParseDuration 解释
func (s *Store) Duration(key string, def time.Duration) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Duration(key, def)
}

// View 在一次读锁内执行 fn
//
// fn 内应通过传入的 Reader 读取，嵌套读取不会再次加锁。
func (s *Store) View(fn func(r Reader)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.reader())
}

// Set 写入单个键
func (s *Store) Set(key string, value interface{}) {
	s.SetMany(map[string]interface{}{key: value})
}

// SetMany 原子写入多个键
func (s *Store) SetMany(values map[string]interface{}) {
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	s.version++
	s.mu.Unlock()
	s.notify()
}

// Remove 删除键，返回是否存在过
func (s *Store) Remove(keys ...string) bool {
	s.mu.Lock()
	removed := false
	for _, k := range keys {
		if _, ok := s.values[k]; ok {
			delete(s.values, k)
			removed = true
		}
	}
	if removed {
		s.version++
	}
	s.mu.Unlock()
	if removed {
		s.notify()
	}
	return removed
}

// Snapshot 当前全部键值的副本
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Effective 显式值叠加默认值
func (s *Store) Effective() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values)+len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys 排序后的显式键
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Version 每次写入递增
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe 订阅变更通知
//
// 通道容量为 1，多次变更可能合并为一次通知。cancel 后通道关闭。
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// view 不加锁的 Reader，只在持有读锁期间使用
type view struct {
	values   map[string]interface{}
	defaults map[string]interface{}
}

func (v view) Get(key string) (interface{}, bool) {
	if val, ok := v.values[key]; ok {
		return val, true
	}
	val, ok := v.defaults[key]
	return val, ok
}

func (v view) GetOr(key string, def interface{}) interface{} {
	if val, ok := v.Get(key); ok {
		return val
	}
	return def
}

func (v view) Contains(key string) bool {
	_, ok := v.Get(key)
	return ok
}

func (v view) String(key, def string) string {
	val, ok := v.Get(key)
	if !ok {
		return def
	}
	out, err := cast.ToStringE(val)
	if err != nil {
		return def
	}
	return out
}

func (v view) Int(key string, def int) int {
	val, ok := v.Get(key)
	if !ok {
		return def
	}
	out, err := cast.ToIntE(val)
	if err != nil {
		return def
	}
	return out
}

func (v view) Bool(key string, def bool) bool {
	val, ok := v.Get(key)
	if !ok {
		return def
	}
	out, err := cast.ToBoolE(val)
	if err != nil {
		return def
	}
	return out
}

func (v view) Float(key string, def float64) float64 {
	val, ok := v.Get(key)
	if !ok {
		return def
	}
	out, err := cast.ToFloat64E(val)
	if err != nil {
		return def
	}
	return out
}

func (v view) Duration(key string, def time.Duration) time.Duration {
	val, ok := v.Get(key)
	if !ok {
		return def
	}
	switch d := val.(type) {
	case time.Duration:
		return d
	case string:
		out, err := cast.ToDurationE(d)
		if err != nil {
			return def
		}
		return out
	}
	ms, err := cast.ToFloat64E(val)
	if err != nil {
		return def
	}
	return time.Duration(ms * float64(time.Millisecond))
}
