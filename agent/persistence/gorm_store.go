package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recordModel is the row layout of the records table. The schema is owned
// by internal/migration; AutoMigrate is only used for embedded databases.
type recordModel struct {
	Kind      string    `gorm:"column:kind;primaryKey;size:64"`
	ID        string    `gorm:"column:id;primaryKey;size:191"`
	Data      string    `gorm:"column:data;type:text"`
	Labels    string    `gorm:"column:labels;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (recordModel) TableName() string { return "records" }

// GormStore is a SQL implementation of RecordStore backed by GORM.
// Labels are stored as a JSON object and filtered in process.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open GORM connection. When autoMigrate is set the
// records table is created if missing.
func NewGormStore(db *gorm.DB, autoMigrate bool) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if autoMigrate {
		if err := db.AutoMigrate(&recordModel{}); err != nil {
			return nil, fmt.Errorf("failed to migrate records table: %w", err)
		}
	}
	return &GormStore{db: db}, nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *GormStore) Close() error { return nil }

// Ping checks if the store is healthy
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toModel(rec *Record) (*recordModel, error) {
	labels := "{}"
	if len(rec.Labels) > 0 {
		b, err := json.Marshal(rec.Labels)
		if err != nil {
			return nil, err
		}
		labels = string(b)
	}
	return &recordModel{
		Kind:      rec.Kind,
		ID:        rec.ID,
		Data:      string(rec.Data),
		Labels:    labels,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func fromModel(m *recordModel) (*Record, error) {
	rec := &Record{
		Kind:      m.Kind,
		ID:        m.ID,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.Data != "" {
		rec.Data = json.RawMessage(m.Data)
	}
	if m.Labels != "" && m.Labels != "{}" {
		if err := json.Unmarshal([]byte(m.Labels), &rec.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels of %s/%s: %w", m.Kind, m.ID, err)
		}
	}
	return rec, nil
}

// Put upserts a record
func (s *GormStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev recordModel
		err := tx.Where("kind = ? AND id = ?", rec.Kind, rec.ID).Take(&prev).Error
		switch {
		case err == nil:
			stamp(rec, &Record{CreatedAt: prev.CreatedAt.UTC()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			stamp(rec, nil)
		default:
			return err
		}

		m, err := toModel(rec)
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "labels", "updated_at"}),
		}).Create(m).Error
	})
}

// Get retrieves a record
func (s *GormStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	var m recordModel
	err := s.db.WithContext(ctx).Where("kind = ? AND id = ?", kind, id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&m)
}

// Find retrieves records of a kind matching the filter
func (s *GormStore) Find(ctx context.Context, kind string, filter Filter) ([]*Record, error) {
	query := s.db.WithContext(ctx).Where("kind = ?", kind).Order("created_at DESC").Order("id DESC")
	// Without label filters the limit can be pushed down.
	if len(filter.Labels) == 0 && filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []recordModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		if matchesLabels(rec, filter.Labels) {
			out = append(out, rec)
		}
	}
	return finalize(out, filter.Limit), nil
}

// Delete removes a record
func (s *GormStore) Delete(ctx context.Context, kind, id string) error {
	res := s.db.WithContext(ctx).Where("kind = ? AND id = ?", kind, id).Delete(&recordModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
