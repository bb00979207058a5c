package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeFile     StoreType = "file"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
	StoreTypeMongo    StoreType = "mongo"
)

// Record is one stored document, addressed by kind and id. Data is opaque
// to the store; Labels are the only queryable attributes.
type Record struct {
	Kind      string            `json:"kind"`
	ID        string            `json:"id"`
	Data      json.RawMessage   `json:"data"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Filter selects records of one kind.
type Filter struct {
	// Labels must all match exactly.
	Labels map[string]string
	// Limit caps the result size; zero means unlimited.
	Limit int
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// RecordStore is a get/put/find key/value store. Find returns records
// newest first by CreatedAt. Put upserts and keeps the original CreatedAt.
type RecordStore interface {
	Store
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, kind, id string) (*Record, error)
	Find(ctx context.Context, kind string, filter Filter) ([]*Record, error)
	Delete(ctx context.Context, kind, id string) error
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// Mongo configuration (only used when Type is "mongo")
	Mongo MongoStoreConfig `json:"mongo" yaml:"mongo"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Addr is host:port of the Redis server
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// MongoStoreConfig contains MongoDB-specific configuration
type MongoStoreConfig struct {
	URI        string        `json:"uri" yaml:"uri"`
	Database   string        `json:"database" yaml:"database"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/records",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "carbonflow:",
		},
		Mongo: MongoStoreConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "carbonflow",
			Collection: "records",
			Timeout:    10 * time.Second,
		},
	}
}

func validateRecord(rec *Record) error {
	if rec == nil || rec.Kind == "" || rec.ID == "" {
		return ErrInvalidInput
	}
	return nil
}

// stamp sets timestamps for an upsert given the previous version, if any.
func stamp(rec *Record, prev *Record) {
	now := time.Now().UTC()
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}

func cloneRecord(rec *Record) *Record {
	c := *rec
	c.Data = append(json.RawMessage(nil), rec.Data...)
	if rec.Labels != nil {
		c.Labels = make(map[string]string, len(rec.Labels))
		for k, v := range rec.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

func matchesLabels(rec *Record, labels map[string]string) bool {
	for k, v := range labels {
		if rec.Labels[k] != v {
			return false
		}
	}
	return true
}

// finalize sorts newest first and applies the limit.
func finalize(records []*Record, limit int) []*Record {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
