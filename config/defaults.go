// =============================================================================
// 📦 CarbonFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Agents:       DefaultAgentsConfig(),
		Store:        DefaultStoreConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Mongo:        DefaultMongoConfig(),
		Cache:        DefaultCacheConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "carbonflow",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

// DefaultOrchestratorConfig 返回默认编排引擎配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxRetries:              3,
		InitialBackoff:          time.Second,
		MaxBackoff:              10 * time.Second,
		BackoffMultiplier:       2,
		TaskTimeout:             300 * time.Second,
		LoadBalancing:           "least_loaded",
		DefaultEstimate:         5 * time.Second,
		Workers:                 64,
		WorkerQueue:             256,
		EventBuffer:             1000,
		ListLimit:               100,
		InstallBuiltinTemplates: true,
		WatchTemplates:          false,
	}
}

// DefaultAgentsConfig 返回默认 Agent 实例配置
func DefaultAgentsConfig() AgentsConfig {
	return AgentsConfig{
		InstancesPerType: 2,
		Capacity:         4,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      "memory",
		BaseDir:   "./data",
		KeyPrefix: "carbonflow:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "carbonflow",
		Password:            "",
		Name:                "carbonflow",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "",
		Database:   "carbonflow",
		Collection: "records",
		Timeout:    10 * time.Second,
	}
}

// DefaultCacheConfig 返回默认快照缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:             false,
		KeyPrefix:           "carbonflow:snapshot:",
		TTL:                 10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}
