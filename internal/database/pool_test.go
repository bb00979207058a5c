package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/carbonflow/internal/metrics"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	config := testPoolConfig()
	manager, err := NewPoolManager(gormDB, "records", config, zap.NewNop(), nil)
	require.NoError(t, err)

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, config, manager.config)
	assert.Equal(t, 10, manager.GetStats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, "records", testPoolConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, "records", testPoolConfig(), nil, nil)
	require.NoError(t, err)

	assert.NoError(t, manager.Ping(context.Background()))

	// 底层连接关闭后探活失败
	mock.ExpectClose()
	require.NoError(t, mockDB.Close())
	assert.Error(t, manager.Ping(context.Background()))
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, "records", testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollback(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, "records", testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	_ = mockDB

	manager, err := NewPoolManager(gormDB, "records", testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolManager_HealthCheckRecordsConnections(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	ns := fmt.Sprintf("db_test_%d", time.Now().UnixNano())
	collector := metrics.NewCollector(ns, zap.NewNop())

	manager, err := NewPoolManager(gormDB, "records", testPoolConfig(), zap.NewNop(), collector)
	require.NoError(t, err)

	manager.checkHealth()
	stats := manager.Stats()

	expected := fmt.Sprintf(`
# HELP %[1]s_db_connections_idle Number of idle database connections
# TYPE %[1]s_db_connections_idle gauge
%[1]s_db_connections_idle{database="records"} %[2]d
# HELP %[1]s_db_connections_open Number of open database connections
# TYPE %[1]s_db_connections_open gauge
%[1]s_db_connections_open{database="records"} %[3]d
`, ns, stats.Idle, stats.OpenConnections)
	assert.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected),
		ns+"_db_connections_open", ns+"_db_connections_idle"))
}

func TestPoolManager_HealthLoopStopsOnClose(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	_ = mockDB

	config := testPoolConfig()
	config.HealthCheckInterval = 10 * time.Millisecond
	manager, err := NewPoolManager(gormDB, "records", config, nil, nil)
	require.NoError(t, err)

	time.Sleep(35 * time.Millisecond)
	mock.ExpectClose()
	require.NoError(t, manager.Close())

	select {
	case <-manager.stop:
	default:
		t.Fatal("stop channel should be closed")
	}
}

// =============================================================================
// 🧪 SQLite 集成测试
// =============================================================================

func openSQLite(t *testing.T) *PoolManager {
	t.Helper()
	db, err := Open(DriverSQLite, "file::memory:", zap.NewNop())
	require.NoError(t, err)

	// 内存库每个连接独立，限制为单连接
	manager, err := NewPoolManager(db, "sqlite", PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestOpen_SQLiteTransaction(t *testing.T) {
	manager := openSQLite(t)
	ctx := context.Background()

	type counter struct {
		ID    uint `gorm:"primaryKey"`
		Value int
	}
	require.NoError(t, manager.DB().AutoMigrate(&counter{}))

	err := manager.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&counter{Value: 1}).Error
	})
	require.NoError(t, err)

	err = manager.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&counter{Value: 2}).Error; err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var n int64
	require.NoError(t, manager.DB().Model(&counter{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	manager := openSQLite(t)
	ctx := context.Background()

	calls := 0
	err := manager.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		calls++
		if calls < 2 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = manager.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		calls++
		return errors.New("constraint violation")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", nil)
	assert.Error(t, err)

	_, err = Open("", "dsn", nil)
	assert.Error(t, err)
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "postgresql", "mysql", "mariadb", "sqlite", "sqlite3", "SQLITE"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: deadlock detected"), true},
		{errors.New("pq: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{errors.New("database is locked"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("duplicate key value"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), fmt.Sprint(tt.err))
	}
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid config", testPoolConfig(), false},
		{"defaults", DefaultPoolConfig(), false},
		{"invalid max open conns", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"invalid max idle conns", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
		{"negative lifetime", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 5, ConnMaxLifetime: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
