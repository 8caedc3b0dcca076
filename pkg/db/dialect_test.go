package db

import (
	"testing"

	"smallbiznis-referral/pkg/config"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
)

func TestDialect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Host = "localhost"
	cfg.Database.Port = "5432"
	cfg.Database.DBNAME = "referral"

	d, err := Dialect(cfg)
	require.NoError(t, err)
	pg, ok := d.(*postgres.Dialector)
	require.True(t, ok)
	require.Equal(t, "referral", getDBNameFromDialector(pg))

	cfg.Database.Type = "mysql"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	my, ok := d.(*mysql.Dialector)
	require.True(t, ok)
	require.Equal(t, "referral", getDBNameFromDialector(my))

	cfg.Database.Type = "sqlite"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	_, ok = d.(*sqlite.Dialector)
	require.True(t, ok)

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}
