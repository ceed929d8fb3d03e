package store

import (
	"context"
	"fmt"

	"github.com/zulandar/threadyard/internal/config"
	"github.com/zulandar/threadyard/internal/db"
	"gorm.io/gorm"
)

// Open connects to the backend selected by cfg.Driver. Relational backends
// are migrated before they are returned.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		gdb, err := db.ConnectSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return migrated(gdb, opts)
	case config.DriverMySQL:
		gdb, err := db.ConnectMySQL(cfg.User, cfg.Host, cfg.Port, cfg.Database)
		if err != nil {
			return nil, err
		}
		return migrated(gdb, opts)
	case config.DriverMongo:
		s, err := ConnectMongo(ctx, cfg.URI, cfg.Database, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverRedis:
		s, err := ConnectRedis(ctx, cfg.URI, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

func migrated(gdb *gorm.DB, opts []Option) (Store, error) {
	if err := db.AutoMigrate(gdb); err != nil {
		if sqlDB, derr := gdb.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	s, err := NewGormStore(gdb, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
