package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// Models lists every table owned by the service, in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.CreditAccount{},
		&models.CreditActivity{},
		&models.BillingAccount{},
		&models.BillingPlan{},
		&models.BillingWebhookEvent{},
	}
}

// DSN builds the MySQL data source name from the environment.
func DSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

func SetupDatabase() {
	var err error
	logLevel := logger.Warn
	if env.IsDev() {
		logLevel = logger.Info
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			Logger:         logger.Default.LogMode(logLevel),
			TranslateError: true,
		})
		if err == nil {
			// Production schema comes from cmd/migrate; dev keeps AutoMigrate.
			if env.IsDev() {
				if mErr := DB.AutoMigrate(Models()...); mErr != nil {
					log.Errorf("[Database] AutoMigrate failed: %v", mErr)
				}
			}
			if sqlDB, dbErr := DB.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(int(env.GetEnvInt("DB_MAX_OPEN_CONNS", 25)))
				sqlDB.SetMaxIdleConns(int(env.GetEnvInt("DB_MAX_IDLE_CONNS", 10)))
				sqlDB.SetConnMaxLifetime(env.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute))
			}
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
