package repository

import (
	"context"

	"github.com/wfunc/kiosk-devices/internal/models"
	"gorm.io/gorm"
)

// ProtocolLogRepository 协议日志仓储
type ProtocolLogRepository struct {
	*BaseRepo
}

// NewProtocolLogRepository 创建协议日志仓储
func NewProtocolLogRepository(db *gorm.DB) *ProtocolLogRepository {
	return &ProtocolLogRepository{BaseRepo: NewBaseRepo(db)}
}

// Create 写入一条记录
func (r *ProtocolLogRepository) Create(ctx context.Context, l *models.ProtocolLog) error {
	return r.db.WithContext(ctx).Create(l).Error
}

// CreateBatch 批量写入
func (r *ProtocolLogRepository) CreateBatch(ctx context.Context, logs []*models.ProtocolLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(logs, 100).Error
}

func (r *ProtocolLogRepository) filter(ctx context.Context, q *models.ProtocolLogQuery) *gorm.DB {
	db := r.db.WithContext(ctx).Model(&models.ProtocolLog{})
	if q.Path != "" {
		db = db.Where("path = ?", q.Path)
	}
	if q.HasError != nil {
		if *q.HasError {
			db = db.Where("error_msg IS NOT NULL AND error_msg != ''")
		} else {
			db = db.Where("error_msg IS NULL OR error_msg = ''")
		}
	}
	if q.StartTime != nil {
		db = db.Where("created_at >= ?", *q.StartTime)
	}
	if q.EndTime != nil {
		db = db.Where("created_at <= ?", *q.EndTime)
	}
	return db
}

// Query 查询日志
func (r *ProtocolLogRepository) Query(ctx context.Context, q *models.ProtocolLogQuery) ([]*models.ProtocolLog, int64, error) {
	db := r.filter(ctx, q)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "id DESC"
	}
	var logs []*models.ProtocolLog
	if err := db.Order(orderBy).Scopes(Paginate(q.Limit, q.Offset)).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// GetStats 统计信息
func (r *ProtocolLogRepository) GetStats(ctx context.Context, q *models.ProtocolLogQuery) (*models.ProtocolLogStats, error) {
	stats := &models.ProtocolLogStats{}
	if err := r.filter(ctx, q).Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}
	if err := r.filter(ctx, q).
		Where("error_msg IS NOT NULL AND error_msg != ''").
		Count(&stats.TotalErrors).Error; err != nil {
		return nil, err
	}
	if err := r.filter(ctx, q).Where("attempt > 1").Count(&stats.Retries).Error; err != nil {
		return nil, err
	}

	var durations struct {
		AvgDuration float64
		MaxDuration int64
	}
	if err := r.filter(ctx, q).
		Select("AVG(duration) as avg_duration, MAX(duration) as max_duration").
		Scan(&durations).Error; err != nil {
		return nil, err
	}
	stats.AvgDuration = durations.AvgDuration
	stats.MaxDuration = durations.MaxDuration
	return stats, nil
}
