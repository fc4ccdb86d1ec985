package repository

import (
	"context"

	"github.com/wfunc/kiosk-devices/internal/models"
	"gorm.io/gorm"
)

// StatusEventRepository 状态历史仓储
type StatusEventRepository struct {
	*BaseRepo
}

// NewStatusEventRepository 创建状态历史仓储
func NewStatusEventRepository(db *gorm.DB) *StatusEventRepository {
	return &StatusEventRepository{BaseRepo: NewBaseRepo(db)}
}

// Create 写入一条状态变化
func (r *StatusEventRepository) Create(ctx context.Context, e *models.StatusEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// CreateBatch 批量写入
func (r *StatusEventRepository) CreateBatch(ctx context.Context, events []*models.StatusEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(events, 100).Error
}

// Query 按条件查询，按时间倒序
func (r *StatusEventRepository) Query(ctx context.Context, q *models.StatusEventQuery) ([]*models.StatusEvent, int64, error) {
	db := r.db.WithContext(ctx).Model(&models.StatusEvent{})
	if q.Path != "" {
		db = db.Where("path = ?", q.Path)
	}
	if q.Severity != "" {
		db = db.Where("severity = ?", q.Severity)
	}
	if q.StartTime != nil {
		db = db.Where("created_at >= ?", *q.StartTime)
	}
	if q.EndTime != nil {
		db = db.Where("created_at <= ?", *q.EndTime)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []*models.StatusEvent
	err := db.Order("created_at DESC").Order("id DESC").
		Scopes(Paginate(q.Limit, q.Offset)).
		Find(&events).Error
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Latest 设备最近一条状态
func (r *StatusEventRepository) Latest(ctx context.Context, path string) (*models.StatusEvent, error) {
	var e models.StatusEvent
	err := r.db.WithContext(ctx).
		Where("path = ?", path).
		Order("id DESC").
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}
