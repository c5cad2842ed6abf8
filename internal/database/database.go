package database

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tgo/kiwi/internal/config"
	"github.com/tgo/kiwi/internal/model"
)

func Connect(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Warn
	if cfg.IsDevelopment() {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.DatabasePoolSize > 0 {
		sqlDB.SetMaxOpenConns(cfg.DatabasePoolSize)
		sqlDB.SetMaxIdleConns(cfg.DatabasePoolSize / 2)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// AutoMigrate creates the service tables. The native vector column is not part
// of it; the vector store adds it when the extension is available.
func AutoMigrate(db *gorm.DB, extra ...interface{}) error {
	models := []interface{}{
		&model.Agent{},
		&model.Conversation{},
		&model.Message{},
		&model.Document{},
		&model.DocumentChunk{},
	}
	return db.AutoMigrate(append(models, extra...)...)
}
