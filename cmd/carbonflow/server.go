package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/dispatch"
	agenthandlers "github.com/BaSui01/carbonflow/agent/handlers"
	"github.com/BaSui01/carbonflow/agent/persistence"
	"github.com/BaSui01/carbonflow/api/handlers"
	"github.com/BaSui01/carbonflow/config"
	"github.com/BaSui01/carbonflow/events"
	"github.com/BaSui01/carbonflow/internal/cache"
	"github.com/BaSui01/carbonflow/internal/database"
	"github.com/BaSui01/carbonflow/internal/metrics"
	"github.com/BaSui01/carbonflow/internal/pool"
	"github.com/BaSui01/carbonflow/internal/server"
	"github.com/BaSui01/carbonflow/internal/telemetry"
	"github.com/BaSui01/carbonflow/types"
	"github.com/BaSui01/carbonflow/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 CarbonFlow 的主服务器，持有编排服务及其全部依赖
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 基础设施
	collector *metrics.Collector
	otel      *telemetry.Providers
	dbPool    *database.PoolManager
	store     persistence.RecordStore
	cache     *cache.Manager

	// 编排
	registry *dispatch.Registry
	bus      *events.Bus
	svc      *workflow.Service

	// HTTP
	routes         *handlers.Routes
	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 模板目录监听
	watcher *config.FileWatcher

	// 中间件与监听器的后台 goroutine
	bgCancel context.CancelFunc

	shutdownOnce sync.Once
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 API 与 Metrics 服务器
func (s *Server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
		zap.Bool("cache", s.cache != nil),
	)
	return nil
}

// init 构建除监听端口外的全部组件
func (s *Server) init(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.collector == nil {
		s.collector = metrics.NewCollector("carbonflow", s.logger)
	}

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger, telemetry.WithVersion(Version))
	if err != nil {
		// 追踪不可用不影响编排
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		s.otel = providers
	}

	if err := s.initStorage(ctx); err != nil {
		return err
	}
	if err := s.initOrchestrator(ctx); err != nil {
		return err
	}
	if err := s.installTemplates(ctx); err != nil {
		return err
	}
	s.initHandlers(bgCtx)

	if s.cfg.Orchestrator.WatchTemplates && s.cfg.Orchestrator.TemplatesDir != "" {
		if err := s.watchTemplates(bgCtx); err != nil {
			return fmt.Errorf("failed to watch templates: %w", err)
		}
	}
	return nil
}

// initStorage 打开记录存储、可选的数据库连接池与快照缓存
func (s *Server) initStorage(ctx context.Context) error {
	var opts persistence.FactoryOptions
	if s.cfg.Store.Type == string(persistence.StoreTypeDatabase) {
		db, err := database.Open(s.cfg.Database.Driver, s.cfg.Database.DSN(), s.logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		s.dbPool, err = database.NewPoolManager(db, "records", database.PoolConfig{
			MaxIdleConns:        s.cfg.Database.MaxIdleConns,
			MaxOpenConns:        s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime:     s.cfg.Database.ConnMaxIdleTime,
			HealthCheckInterval: s.cfg.Database.HealthCheckInterval,
		}, s.logger, s.collector)
		if err != nil {
			return fmt.Errorf("failed to create database pool: %w", err)
		}
		opts = persistence.FactoryOptions{DB: s.dbPool.DB(), AutoMigrate: s.cfg.Store.AutoMigrate}
	}

	store, err := persistence.NewRecordStore(ctx, persistence.StoreConfig{
		Type:    persistence.StoreType(s.cfg.Store.Type),
		BaseDir: s.cfg.Store.BaseDir,
		Redis: persistence.RedisStoreConfig{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			KeyPrefix: s.cfg.Store.KeyPrefix,
		},
		Mongo: persistence.MongoStoreConfig{
			URI:        s.cfg.Mongo.URI,
			Database:   s.cfg.Mongo.Database,
			Collection: s.cfg.Mongo.Collection,
			Timeout:    s.cfg.Mongo.Timeout,
		},
	}, opts)
	if err != nil {
		return fmt.Errorf("failed to create record store: %w", err)
	}
	s.store = store

	if s.cfg.Cache.Enabled {
		s.cache, err = cache.NewManager(cache.Config{
			Addr:                s.cfg.Redis.Addr,
			Password:            s.cfg.Redis.Password,
			DB:                  s.cfg.Redis.DB,
			KeyPrefix:           s.cfg.Cache.KeyPrefix,
			DefaultTTL:          s.cfg.Cache.TTL,
			MaxRetries:          3,
			PoolSize:            s.cfg.Redis.PoolSize,
			MinIdleConns:        s.cfg.Redis.MinIdleConns,
			TLSEnabled:          s.cfg.Redis.TLSEnabled,
			HealthCheckInterval: s.cfg.Cache.HealthCheckInterval,
		}, s.logger, s.collector)
		if err != nil {
			return fmt.Errorf("failed to create snapshot cache: %w", err)
		}
	}

	s.logger.Info("Storage initialized",
		zap.String("store", s.cfg.Store.Type),
		zap.Bool("database_pool", s.dbPool != nil),
		zap.Bool("cache", s.cache != nil))
	return nil
}

// initOrchestrator 注册 Agent、创建调度器、事件总线与编排服务
func (s *Server) initOrchestrator(ctx context.Context) error {
	oc := s.cfg.Orchestrator

	s.registry = dispatch.NewRegistry()
	if err := agenthandlers.Register(s.registry, s.logger); err != nil {
		return fmt.Errorf("failed to register agent handlers: %w", err)
	}
	if err := s.registerAgents(); err != nil {
		return err
	}

	strategy, err := dispatch.NewStrategy(oc.LoadBalancing, oc.DefaultEstimate)
	if err != nil {
		return err
	}
	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: oc.Workers,
		QueueSize:  oc.WorkerQueue,
	}, s.logger)
	dispatcher := dispatch.NewDispatcher(s.registry, strategy, workers, dispatch.Config{
		DefaultTimeout:  oc.TaskTimeout,
		DefaultEstimate: oc.DefaultEstimate,
	}, s.logger, s.collector)

	s.bus = events.NewBus(oc.EventBuffer, s.logger, s.collector)

	opts := workflow.Options{
		Store:      s.store,
		Dispatcher: dispatcher,
		Bus:        s.bus,
		Logger:     s.logger,
		Metrics:    s.collector,
		Tracer:     telemetry.Tracer(),
	}
	if s.cache != nil {
		opts.Cache = s.cache
	}

	s.svc, err = workflow.NewService(workflow.Config{
		Retry: workflow.RetryConfig{
			MaxRetries:        oc.MaxRetries,
			InitialBackoff:    oc.InitialBackoff,
			MaxBackoff:        oc.MaxBackoff,
			BackoffMultiplier: oc.BackoffMultiplier,
		},
		TaskTimeout: oc.TaskTimeout,
		CacheTTL:    s.cfg.Cache.TTL,
		ListLimit:   oc.ListLimit,
	}, opts)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := s.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	s.logger.Info("Orchestrator started",
		zap.String("load_balancing", strategy.Name()),
		zap.Int("agents", len(s.registry.Descriptors())),
		zap.Int("agent_types", len(s.registry.Types())))
	return nil
}

// registerAgents 创建 Agent 实例：显式列表优先，否则每种类型创建 InstancesPerType 个
func (s *Server) registerAgents() error {
	ac := s.cfg.Agents
	if len(ac.Instances) > 0 {
		for _, inst := range ac.Instances {
			agentType, ok := s.registry.Resolve(inst.Type)
			if !ok {
				return fmt.Errorf("agent %s: no handler for agent type %q", inst.ID, inst.Type)
			}
			capacity := inst.Capacity
			if capacity <= 0 {
				capacity = ac.Capacity
			}
			if _, err := s.registry.RegisterAgent(inst.ID, agentType, capacity); err != nil {
				return fmt.Errorf("agent %s: %w", inst.ID, err)
			}
		}
		return nil
	}

	for _, agentType := range s.registry.Types() {
		for i := 1; i <= ac.InstancesPerType; i++ {
			id := fmt.Sprintf("%s-%d", agentType, i)
			if _, err := s.registry.RegisterAgent(id, agentType, ac.Capacity); err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
		}
	}
	return nil
}

// installTemplates 安装内置模板与模板目录中的定义；已存在的 id 保持不变
func (s *Server) installTemplates(ctx context.Context) error {
	oc := s.cfg.Orchestrator

	if oc.InstallBuiltinTemplates {
		defs, err := workflow.BuiltinTemplates()
		if err != nil {
			return fmt.Errorf("failed to load builtin templates: %w", err)
		}
		n, err := s.svc.InstallTemplates(ctx, defs)
		if err != nil {
			return fmt.Errorf("failed to install builtin templates: %w", err)
		}
		s.logger.Info("Builtin templates installed", zap.Int("installed", n), zap.Int("available", len(defs)))
	}

	if oc.TemplatesDir != "" {
		defs, err := workflow.LoadTemplateDir(oc.TemplatesDir)
		if err != nil {
			return fmt.Errorf("failed to load templates from %s: %w", oc.TemplatesDir, err)
		}
		n, err := s.svc.InstallTemplates(ctx, defs)
		if err != nil {
			return fmt.Errorf("failed to install templates from %s: %w", oc.TemplatesDir, err)
		}
		s.logger.Info("Template directory installed",
			zap.String("dir", oc.TemplatesDir),
			zap.Int("installed", n),
			zap.Int("available", len(defs)))
	}
	return nil
}

// watchTemplates 监听模板目录，文件变更时创建或升级对应工作流
func (s *Server) watchTemplates(ctx context.Context) error {
	w, err := config.NewFileWatcher([]string{s.cfg.Orchestrator.TemplatesDir},
		config.WithWatcherLogger(s.logger),
		config.WithDebounceDelay(500*time.Millisecond),
	)
	if err != nil {
		return err
	}
	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			// 删除文件不归档工作流，归档需显式调用 API
			s.logger.Info("template file removed", zap.String("path", ev.Path))
			return
		}
		if err := s.reloadTemplate(ctx, ev.Path); err != nil {
			s.logger.Warn("template reload failed", zap.String("path", ev.Path), zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// reloadTemplate 解析单个模板文件：新 id 直接创建，已有 id 生成新版本
func (s *Server) reloadTemplate(ctx context.Context, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil
	}
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	if def.ID == "" {
		return fmt.Errorf("template without id cannot be reloaded")
	}

	current, err := s.svc.GetWorkflow(ctx, def.ID)
	switch {
	case types.IsCode(err, types.ErrNotFound):
		created, err := s.svc.CreateWorkflow(ctx, def)
		if err != nil {
			return err
		}
		s.logger.Info("template installed", zap.String("workflow_id", created.ID), zap.String("path", path))
		return nil
	case err != nil:
		return err
	}

	mode := def.Mode
	groups := def.ParallelGroups
	trigger := def.Trigger
	updated, err := s.svc.UpdateWorkflow(ctx, current.ID, &workflow.DefinitionPatch{
		Name:           &def.Name,
		Description:    &def.Description,
		Steps:          def.Steps,
		Mode:           &mode,
		ParallelGroups: &groups,
		Trigger:        &trigger,
		Tags:           def.Tags,
		Category:       &def.Category,
	})
	if err != nil {
		return err
	}
	s.logger.Info("template reloaded",
		zap.String("workflow_id", updated.ID),
		zap.Int("version", updated.Version),
		zap.String("path", path))
	return nil
}

// initHandlers 创建 HTTP 处理器、健康检查与中间件链
func (s *Server) initHandlers(bgCtx context.Context) {
	s.routes = handlers.NewRoutes(s.svc, s.bus, handlers.StreamConfig{
		OriginPatterns: originPatterns(s.cfg.Server.CORSAllowedOrigins),
	}, s.logger)

	s.routes.Health.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	if s.dbPool != nil {
		s.routes.Health.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}
	if s.cache != nil {
		s.routes.Health.RegisterCheck(handlers.NewPingCheck("cache", s.cache.Ping))
	}
	s.routes.Health.RegisterCheck(handlers.NewPingCheck("event_bus", func(context.Context) error {
		if !s.bus.Running() {
			return errors.New("event bus is not running")
		}
		return nil
	}))

	mux := http.NewServeMux()
	s.routes.Register(mux, Version, BuildTime, GitCommit)
	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.handler = Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
	s.logger.Info("Handlers initialized")
}

// originPatterns 把 CORS 来源转换为 WebSocket 的 host 模式
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	s.httpManager = server.NewManager("api", s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     sc.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		TLSCertFile:     sc.TLSCertFile,
		TLSKeyFile:      sc.TLSKeyFile,
	}, s.logger)
	return s.httpManager.Start()
}

// startMetricsServer 启动独立的 Metrics 服务器；MetricsPort 为 0 时 /metrics 挂在 API 端口
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或服务器异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		if err := s.httpManager.Wait(context.Background()); err != nil {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}
	s.Shutdown()
}

// Shutdown 按依赖逆序关闭全部组件，可重复调用
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. 停止模板监听与后台清理
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("template watcher stop error", zap.Error(err))
		}
	}
	if s.bgCancel != nil {
		s.bgCancel()
	}

	// 2. 停止接收请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 取消运行中的执行，关闭调度器与事件总线
	if s.svc != nil {
		if err := s.svc.Shutdown(ctx); err != nil {
			s.logger.Error("Orchestrator shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭存储
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("cache close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("record store close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Warn("database pool close error", zap.Error(err))
		}
	}

	// 5. 最后关闭 Metrics 与追踪
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
