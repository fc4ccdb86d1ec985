package registry

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wfunc/kiosk-devices/internal/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manifest 搜索目录中的驱动清单
//
// 把已注册的设备族以新路径登记，可追加型号并覆盖参数默认值。
type Manifest struct {
	Path        string                 `yaml:"path"`
	Extends     string                 `yaml:"extends"`
	Description string                 `yaml:"description"`
	Models      []string               `yaml:"models"`
	Defaults    map[string]interface{} `yaml:"defaults"`
}

// ParseManifest 解析清单
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse)
	}
	if m.Path == "" || m.Extends == "" {
		return nil, errors.New(errors.ErrConfigMissing, "manifest needs path and extends")
	}
	return &m, nil
}

// AddSearchLocation 加载目录下的 *.yaml / *.yml 清单
//
// 无效清单记录日志后跳过，返回新注册的路径。
func (r *Registry) AddSearchLocation(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, dir)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrConfigLoad, "%s is not a directory", dir)
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, dir)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	r.mu.Lock()
	r.locations = append(r.locations, dir)
	r.mu.Unlock()

	var added []string
	for _, file := range files {
		path, err := r.loadManifest(file)
		if err != nil {
			r.log.Warn("跳过无效的驱动清单", zap.String("file", file), zap.Error(err))
			continue
		}
		if path != "" {
			added = append(added, path)
		}
	}
	r.log.Info("搜索目录已加载",
		zap.String("dir", dir),
		zap.Int("manifests", len(files)),
		zap.Strings("added", added))
	return added, nil
}

// SearchLocations 已添加的搜索目录
func (r *Registry) SearchLocations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.locations...)
}

func (r *Registry) loadManifest(file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrConfigLoad, file)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return "", err
	}

	base, ok := r.Descriptor(m.Extends)
	if !ok {
		return "", errors.Newf(errors.ErrUnknownDriver, "%s extends %s", m.Path, m.Extends)
	}

	desc := base.clone()
	desc.Path = m.Path
	desc.Source = filepath.Base(file)
	if m.Description != "" {
		desc.Description = m.Description
	}
	desc.Models = append(desc.Models, m.Models...)
	for i, p := range desc.Params {
		if v, ok := m.Defaults[p.Name]; ok {
			desc.Params[i].Default = v
		}
	}
	for key := range m.Defaults {
		if !hasParam(desc.Params, key) {
			desc.Params = append(desc.Params, ParamDescriptor{Name: key, Type: inferType(m.Defaults[key]), Default: m.Defaults[key]})
		}
	}

	added, err := r.Register(*desc)
	if err != nil {
		return "", err
	}
	if !added {
		return "", nil
	}
	return desc.Path, nil
}

func hasParam(ps []ParamDescriptor, name string) bool {
	for _, p := range ps {
		if p.Name == name {
			return true
		}
	}
	return false
}

func inferType(v interface{}) ParamType {
	switch val := v.(type) {
	case bool:
		return TypeBool
	case int, int64, uint64:
		return TypeInt
	case float64:
		return TypeFloat
	case string:
		if _, err := time.ParseDuration(val); err == nil {
			return TypeDuration
		}
		return TypeString
	default:
		return TypeString
	}
}
