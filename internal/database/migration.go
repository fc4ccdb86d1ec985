package database

import (
	"fmt"

	"github.com/wfunc/kiosk-devices/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 迁移表结构，sqlite 文件库用锁文件防止多进程同时迁移
func AutoMigrate(db *gorm.DB, log *zap.Logger) error {
	if db == nil {
		return fmt.Errorf("数据库未初始化")
	}
	if log == nil {
		log = zap.NewNop()
	}

	if dbPath := sqliteFile(db); dbPath != "" {
		CleanupStaleLocks(dbPath, log)
		lockFile, err := acquireMigrationLock(dbPath, log)
		if err != nil {
			log.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile, log)
	}

	all := models.All()
	if err := db.AutoMigrate(all...); err != nil {
		return fmt.Errorf("迁移失败: %w", err)
	}
	log.Info("数据库迁移完成", zap.Int("tables", len(all)))
	return nil
}
