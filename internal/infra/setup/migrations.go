package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundboard-collab/internal/domain"
)

// MigrateDB 为本地开发创建协作引擎读取的两张表。
// 生产环境的表由 CRUD 服务维护，只在 DB_AUTO_MIGRATE=true 时调用。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	for _, model := range []interface{}{&domain.Board{}, &domain.BoardCollaborator{}} {
		if db.Migrator().HasTable(model) {
			// 已存在的表属于 CRUD 服务，不修改
			logrus.Debugf("Table for %T already exists, skipping", model)
			continue
		}
		if err := db.Migrator().CreateTable(model); err != nil {
			logrus.Errorf("Failed to create table for %T: %v", model, err)
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
		logrus.Infof("Table for %T created", model)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
