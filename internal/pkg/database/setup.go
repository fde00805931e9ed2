package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

var DB *gorm.DB

// GetDB returns the process-wide database handle set up by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Driver returns the configured database driver name.
func Driver() string {
	switch strings.ToLower(strings.TrimSpace(env.GetEnv("DB_DRIVER", DriverPostgres))) {
	case DriverMySQL:
		return DriverMySQL
	default:
		return DriverPostgres
	}
}

// DSN builds the driver specific connection string from DB_* variables.
func DSN(driver string) string {
	if driver == DriverMySQL {
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", ""),
		)
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_USER", "postgres"),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_NAME", "postgres"),
		env.GetEnv("DB_PORT", "5432"),
		env.GetEnv("DB_SSLMODE", "require"),
	)
}

// Config is the gorm configuration shared by the server, the CLIs and tests.
// TranslateError lets repositories match gorm.ErrDuplicatedKey.
func Config() *gorm.Config {
	return &gorm.Config{TranslateError: true}
}

// Models lists every table owned by this service.
func Models() []interface{} {
	return []interface{}{
		&models.PoolAccount{},
		&models.AccountAllocation{},
		&models.WebhookEvent{},
	}
}

func dialector(driver string) gorm.Dialector {
	if driver == DriverMySQL {
		return mysql.New(mysql.Config{
			DSN:                       DSN(driver),
			DefaultStringSize:         256,
			SkipInitializeWithVersion: false,
		})
	}
	return postgres.New(postgres.Config{
		DSN: DSN(driver),
		// Supabase's pooler runs in transaction mode.
		PreferSimpleProtocol: true,
	})
}

func SetupDatabase() {
	var err error
	driver := Driver()

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(dialector(driver), Config())
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", false) {
				if err := DB.AutoMigrate(Models()...); err != nil {
					log.Printf("AutoMigrate failed: %v", err)
				}
			}
			if sqlDB, err := DB.DB(); err == nil {
				sqlDB.SetMaxOpenConns(env.GetEnvInt("DB_MAX_OPEN_CONNS", 20))
				sqlDB.SetMaxIdleConns(env.GetEnvInt("DB_MAX_IDLE_CONNS", 5))
				sqlDB.SetConnMaxLifetime(30 * time.Minute)
			}
			return
		}

		log.Printf("Failed to connect to %s database (try %d/%d): %v", driver, i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
