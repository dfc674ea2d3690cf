package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/cashup/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Dialect builds the gorm dialector for the configured driver. An explicit
// DSN wins over the assembled host/port form.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	db := cfg.DB
	switch db.Driver {
	case "mysql":
		dsn := db.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
				db.User, db.Password, db.Host, db.Port, db.Name)
		}
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := db.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
				db.Host, db.User, db.Password, db.Name, db.Port, db.SSLMode)
		}
		return postgres.Open(dsn), nil
	case "sqlite":
		dsn := db.DSN
		if dsn == "" {
			dsn = "cashup.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", db.Driver)
	}
}
