package repository

import (
	"context"
	stderrors "errors"

	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/models"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsRepository 实例配置仓储，实现 registry.SettingsStore
type SettingsRepository struct {
	*BaseRepo
}

var _ registry.SettingsStore = (*SettingsRepository)(nil)

// NewSettingsRepository 创建实例配置仓储
func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{BaseRepo: NewBaseRepo(db)}
}

// Load 读取实例配置，不存在时返回空
func (r *SettingsRepository) Load(ctx context.Context, path string) (map[string]interface{}, error) {
	var s models.InstanceSetting
	err := r.db.WithContext(ctx).Where("path = ?", path).First(&s).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, path)
	}
	return map[string]interface{}(s.Params), nil
}

// Save 按路径写入或覆盖实例配置
func (r *SettingsRepository) Save(ctx context.Context, path string, values map[string]interface{}) error {
	s := &models.InstanceSetting{
		Path:   path,
		Driver: registry.DriverPath(path),
		Params: models.JSONMap(values),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"params", "driver", "updated_at"}),
	}).Create(s).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigLoad, path)
	}
	return nil
}

// List 全部实例配置
func (r *SettingsRepository) List(ctx context.Context) ([]*models.InstanceSetting, error) {
	var out []*models.InstanceSetting
	err := r.db.WithContext(ctx).Order("path ASC").Find(&out).Error
	return out, err
}

// Delete 删除实例配置
func (r *SettingsRepository) Delete(ctx context.Context, path string) error {
	return r.db.WithContext(ctx).Unscoped().Where("path = ?", path).Delete(&models.InstanceSetting{}).Error
}
