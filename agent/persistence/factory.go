package persistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// FactoryOptions carries shared connections that some backends reuse.
type FactoryOptions struct {
	// DB is required for StoreTypeDatabase.
	DB *gorm.DB
	// AutoMigrate creates the records table for embedded databases.
	AutoMigrate bool
}

// NewRecordStore creates a new RecordStore based on the configuration
func NewRecordStore(ctx context.Context, config StoreConfig, opts FactoryOptions) (RecordStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(config)
	case StoreTypeRedis:
		return NewRedisStore(config)
	case StoreTypeDatabase:
		if opts.DB == nil {
			return nil, fmt.Errorf("database record store requires an open connection")
		}
		return NewGormStore(opts.DB, opts.AutoMigrate)
	case StoreTypeMongo:
		return NewMongoStore(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported record store type: %s", config.Type)
	}
}

