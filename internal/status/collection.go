package status

import (
	"sort"
)

// Collection 一个设备当前有效的状态码集合
type Collection map[Code]struct{}

// NewCollection 由状态码创建集合，重复的码只保留一个
func NewCollection(codes ...Code) Collection {
	c := make(Collection, len(codes))
	for _, code := range codes {
		c[code] = struct{}{}
	}
	return c
}

// Add 添加状态码
func (c Collection) Add(codes ...Code) {
	for _, code := range codes {
		c[code] = struct{}{}
	}
}

// Remove 移除状态码
func (c Collection) Remove(codes ...Code) {
	for _, code := range codes {
		delete(c, code)
	}
}

// Has 是否包含
func (c Collection) Has(code Code) bool {
	_, ok := c[code]
	return ok
}

// Len 数量
func (c Collection) Len() int {
	return len(c)
}

// Codes 升序排列的状态码
func (c Collection) Codes() []Code {
	out := make([]Code, 0, len(c))
	for code := range c {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone 复制
func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for code := range c {
		out[code] = struct{}{}
	}
	return out
}

// Equal 是否相同
func (c Collection) Equal(other Collection) bool {
	if len(c) != len(other) {
		return false
	}
	for code := range c {
		if !other.Has(code) {
			return false
		}
	}
	return true
}

// Diff 与上一周期比较，返回新出现和消失的状态码（升序）
func (c Collection) Diff(prev Collection) (onset, cleared []Code) {
	for _, code := range c.Codes() {
		if !prev.Has(code) {
			onset = append(onset, code)
		}
	}
	for _, code := range prev.Codes() {
		if !c.Has(code) {
			cleared = append(cleared, code)
		}
	}
	return onset, cleared
}

// Filter 保留满足条件的状态码
func (c Collection) Filter(keep func(Code) bool) Collection {
	out := make(Collection, len(c))
	for code := range c {
		if keep(code) {
			out[code] = struct{}{}
		}
	}
	return out
}

// MaxSeverity 最高严重级别，空集合为 OK
func (c Collection) MaxSeverity(catalog *Catalog) Severity {
	max := SeverityOK
	for code := range c {
		if s := catalog.SeverityOf(code); s > max {
			max = s
		}
	}
	return max
}

// Worst 严重级别最高的状态码，级别相同时取较小的码
func (c Collection) Worst(catalog *Catalog) (Code, bool) {
	if len(c) == 0 {
		return 0, false
	}
	codes := c.Codes()
	worst := codes[0]
	for _, code := range codes[1:] {
		if catalog.SeverityOf(code) > catalog.SeverityOf(worst) {
			worst = code
		}
	}
	return worst, true
}

// BitMap 设备状态字的位到状态码映射
type BitMap map[uint]Code

// Decode 把状态字转换为状态码集合，未映射的位忽略
func (m BitMap) Decode(mask uint32) Collection {
	out := NewCollection()
	for bit, code := range m {
		if mask&(1<<bit) != 0 {
			out.Add(code)
		}
	}
	return out
}

// Encode 把状态码集合转换为状态字
func (m BitMap) Encode(c Collection) uint32 {
	var mask uint32
	for bit, code := range m {
		if c.Has(code) {
			mask |= 1 << bit
		}
	}
	return mask
}
