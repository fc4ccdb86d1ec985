package models

import (
	"time"

	"gorm.io/gorm"
)

// InstanceSetting 实例配置，按实例路径保存
type InstanceSetting struct {
	BaseModel
	Path   string  `gorm:"uniqueIndex;size:200;not null" json:"path"`
	Driver string  `gorm:"size:200;index" json:"driver"`
	Params JSONMap `gorm:"type:json" json:"params"`
}

// TableName 指定表名
func (InstanceSetting) TableName() string {
	return "instance_settings"
}

// StatusEvent 设备状态变化
type StatusEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	Path         string `gorm:"size:200;index;not null" json:"path"`
	State        string `gorm:"size:20" json:"state"`
	Severity     string `gorm:"size:10;index" json:"severity"`
	Codes        string `gorm:"size:255" json:"codes"` // 逗号分隔
	Onset        string `gorm:"size:255" json:"onset,omitempty"`
	Cleared      string `gorm:"size:255" json:"cleared,omitempty"`
	Message      string `gorm:"size:255" json:"message,omitempty"`
	ExtendedCode string `gorm:"size:100" json:"extended_code,omitempty"`
	Sequence     uint64 `json:"sequence"`
	Timestamp    int64  `gorm:"index" json:"timestamp"` // Unix毫秒
}

// TableName 指定表名
func (StatusEvent) TableName() string {
	return "status_events"
}

// BeforeCreate 创建前的钩子
func (e *StatusEvent) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Timestamp == 0 {
		e.Timestamp = e.CreatedAt.UnixMilli()
	}
	return nil
}

// StatusEventQuery 状态历史查询参数
type StatusEventQuery struct {
	Path      string     `form:"path" json:"path,omitempty"`
	Severity  string     `form:"severity" json:"severity,omitempty"`
	StartTime *time.Time `form:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time `form:"end_time" json:"end_time,omitempty"`
	Limit     int        `form:"limit" json:"limit,omitempty"`
	Offset    int        `form:"offset" json:"offset,omitempty"`
}

// ProtocolLog 协议交互记录，每次尝试一行
type ProtocolLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	Path     string `gorm:"size:200;index;not null" json:"path"`
	Attempt  int    `gorm:"default:1" json:"attempt"`
	Request  string `gorm:"type:text" json:"request"` // 十六进制
	Response string `gorm:"type:text" json:"response,omitempty"`
	Bytes    int    `gorm:"default:0" json:"bytes"`
	ErrorMsg string `gorm:"type:text" json:"error_msg,omitempty"`
	Category string `gorm:"size:20;index" json:"category,omitempty"`

	Duration  int64 `gorm:"default:0" json:"duration"` // 微秒
	Timestamp int64 `gorm:"index" json:"timestamp"`    // Unix毫秒
}

// TableName 指定表名
func (ProtocolLog) TableName() string {
	return "protocol_logs"
}

// BeforeCreate 创建前的钩子
func (l *ProtocolLog) BeforeCreate(tx *gorm.DB) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	if l.Timestamp == 0 {
		l.Timestamp = l.CreatedAt.UnixMilli()
	}
	return nil
}

// ProtocolLogQuery 协议日志查询参数
type ProtocolLogQuery struct {
	Path      string     `form:"path" json:"path,omitempty"`
	HasError  *bool      `form:"has_error" json:"has_error,omitempty"`
	StartTime *time.Time `form:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time `form:"end_time" json:"end_time,omitempty"`
	Limit     int        `form:"limit" json:"limit,omitempty"`
	Offset    int        `form:"offset" json:"offset,omitempty"`
	OrderBy   string     `form:"-" json:"order_by,omitempty"`
}

// ProtocolLogStats 协议日志统计
type ProtocolLogStats struct {
	TotalCount  int64   `json:"total_count"`
	TotalErrors int64   `json:"total_errors"`
	Retries     int64   `json:"retries"`
	AvgDuration float64 `json:"avg_duration"`
	MaxDuration int64   `json:"max_duration"`
}
