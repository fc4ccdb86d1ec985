package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/kiosk-devices/internal/models"
	"gorm.io/gorm"
)

// Pagination 分页参数
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// NewPagination 创建分页参数
func NewPagination(page, pageSize int) *Pagination {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return &Pagination{
		Page:     page,
		PageSize: pageSize,
	}
}

// Offset 计算偏移量
func (p *Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Paginate 分页查询，limit<=0 不限制条数
func Paginate(limit, offset int) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			db = db.Limit(limit)
		}
		if offset > 0 {
			db = db.Offset(offset)
		}
		return db
	}
}

// BaseRepo 基础仓储实现
type BaseRepo struct {
	db *gorm.DB
}

// NewBaseRepo 创建基础仓储
func NewBaseRepo(db *gorm.DB) *BaseRepo {
	return &BaseRepo{db: db}
}

// GetDB 获取数据库实例
func (r *BaseRepo) GetDB() *gorm.DB {
	return r.db
}

// Transaction 执行事务
func (r *BaseRepo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// PurgeResult 清理结果
type PurgeResult struct {
	ProtocolLogs int64 `json:"protocol_logs"`
	StatusEvents int64 `json:"status_events"`
}

// Cleanup 保留最近N天的协议日志和状态历史，两张表在同一事务内删除
func (r *BaseRepo) Cleanup(ctx context.Context, retentionDays int) (PurgeResult, error) {
	if retentionDays <= 0 {
		return PurgeResult{}, fmt.Errorf("retention days must be greater than 0")
	}
	return r.PurgeBefore(ctx, time.Now().AddDate(0, 0, -retentionDays))
}

// PurgeBefore 删除早于 before 的协议日志和状态历史，任一失败则全部回滚
func (r *BaseRepo) PurgeBefore(ctx context.Context, before time.Time) (PurgeResult, error) {
	var res PurgeResult
	err := r.Transaction(ctx, func(tx *gorm.DB) error {
		logs := tx.Where("created_at < ?", before).Delete(&models.ProtocolLog{})
		if logs.Error != nil {
			return logs.Error
		}
		events := tx.Where("created_at < ?", before).Delete(&models.StatusEvent{})
		if events.Error != nil {
			return events.Error
		}
		res = PurgeResult{ProtocolLogs: logs.RowsAffected, StatusEvents: events.RowsAffected}
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return res, nil
}
