package db

import (
	"fmt"
	"strings"

	"smallbiznis-referral/pkg/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm dialector from DATABASE.TYPE (postgres, mysql or sqlite).
func Dialect(cfg *config.Config) (gorm.Dialector, error) {
	d := cfg.Database
	switch strings.ToLower(d.Type) {
	case "", "postgres", "postgresql":
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		tz := d.Timezone
		if tz == "" {
			tz = "UTC"
		}
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			d.Host, d.Port, d.User, d.Password, d.DBNAME, sslMode, tz)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME)
		return mysql.Open(dsn), nil
	case "sqlite":
		name := d.DBNAME
		if name == "" {
			name = "referral.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("db: unsupported database type %q", d.Type)
	}
}

func extractMySQLDBName(dsn string) string {
	i := strings.LastIndex(dsn, "/")
	if i < 0 {
		return "unknown"
	}
	name := dsn[i+1:]
	if j := strings.Index(name, "?"); j >= 0 {
		name = name[:j]
	}
	if name == "" {
		return "unknown"
	}
	return name
}
