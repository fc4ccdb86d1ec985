package registry

import (
	"path"
	"regexp"
	"strings"

	"github.com/wfunc/kiosk-devices/internal/errors"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidatePath 校验 Application.ComponentKind.ModelOrFamily[.InstanceQualifier]
func ValidatePath(p string) error {
	segs := strings.Split(p, ".")
	if len(segs) < 3 || len(segs) > 4 {
		return errors.Newf(errors.ErrInvalidPath, "%q: expected 3 or 4 segments", p)
	}
	for _, s := range segs {
		if !segmentPattern.MatchString(s) {
			return errors.Newf(errors.ErrInvalidPath, "%q: bad segment %q", p, s)
		}
	}
	return nil
}

// DriverPath 去掉实例限定段后的驱动路径
func DriverPath(p string) string {
	segs := strings.Split(p, ".")
	if len(segs) == 4 {
		return strings.Join(segs[:3], ".")
	}
	return p
}

// Match 按段匹配路径
//
// 每段支持 path.Match 通配，* 不跨段；段数少于路径时按前缀匹配；空过滤器匹配全部。
func Match(filter, p string) bool {
	if filter == "" {
		return true
	}
	fs := strings.Split(filter, ".")
	ps := strings.Split(p, ".")
	if len(fs) > len(ps) {
		return false
	}
	for i, f := range fs {
		ok, err := path.Match(f, ps[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// ValidateFilter 校验过滤器的通配语法
func ValidateFilter(filter string) error {
	fs := strings.Split(filter, ".")
	if len(fs) > 4 {
		return errors.Newf(errors.ErrInvalidPath, "%q: too many segments", filter)
	}
	for _, f := range fs {
		if f == "" {
			return errors.Newf(errors.ErrInvalidPath, "%q: empty segment", filter)
		}
		if _, err := path.Match(f, ""); err != nil {
			return errors.Newf(errors.ErrInvalidPath, "%q: bad pattern %q", filter, f)
		}
	}
	return nil
}

func splitPath(p string) []string {
	return strings.Split(p, ".")
}
