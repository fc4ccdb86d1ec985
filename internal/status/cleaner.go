package status

// Cleaner 清理原始状态集合：去掉内部状态码并解决冲突
type Cleaner interface {
	CleanStatusCodes(raw Collection) Collection
}

// CleanerFunc 函数适配器
type CleanerFunc func(raw Collection) Collection

// CleanStatusCodes 实现 Cleaner
func (f CleanerFunc) CleanStatusCodes(raw Collection) Collection {
	return f(raw)
}

// BaseCleaner 通用清理规则
//
// 去掉 Service/Interface 区间的码；有其他状态时去掉 OK；集合为空时补 OK。
type BaseCleaner struct{}

// CleanStatusCodes 实现 Cleaner
func (BaseCleaner) CleanStatusCodes(raw Collection) Collection {
	out := raw.Filter(func(code Code) bool {
		return Classify(code) == TypeActual
	})
	if out.Len() > 1 {
		out.Remove(OK)
	}
	if out.Len() == 0 {
		out.Add(OK)
	}
	return out
}

// PriorityCleaner 设备族的优先级规则
//
// Supersedes 的键存在时移除对应的值，例如具体卡币码取代通用错误码。
// Drop 中的码总是被移除。之后再执行通用清理。
type PriorityCleaner struct {
	Supersedes map[Code][]Code
	Drop       []Code
}

// CleanStatusCodes 实现 Cleaner
func (p PriorityCleaner) CleanStatusCodes(raw Collection) Collection {
	out := raw.Clone()
	out.Remove(p.Drop...)
	for winner, losers := range p.Supersedes {
		if raw.Has(winner) {
			out.Remove(losers...)
		}
	}
	return BaseCleaner{}.CleanStatusCodes(out)
}
