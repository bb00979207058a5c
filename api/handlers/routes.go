package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

// Routes 汇总全部 HTTP 处理器
type Routes struct {
	Workflows  *WorkflowHandler
	Executions *ExecutionHandler
	Events     *EventHandler
	Agents     *AgentHandler
	Health     *HealthHandler
}

// NewRoutes 基于编排服务创建全部处理器
func NewRoutes(svc Orchestrator, bus EventSubscriber, stream StreamConfig, logger *zap.Logger) *Routes {
	return &Routes{
		Workflows:  NewWorkflowHandler(svc, logger),
		Executions: NewExecutionHandler(svc, logger),
		Events:     NewEventHandler(svc, bus, stream, logger),
		Agents:     NewAgentHandler(svc, logger),
		Health:     NewHealthHandler(logger),
	}
}

// Register 在 mux 上注册 /api/v1 路由与健康检查端点
func (rt *Routes) Register(mux *http.ServeMux, version, buildTime, gitCommit string) {
	// 健康检查
	mux.HandleFunc("GET /health", rt.Health.HandleHealth)
	mux.HandleFunc("GET /healthz", rt.Health.HandleHealthz)
	mux.HandleFunc("GET /ready", rt.Health.HandleReady)
	mux.HandleFunc("GET /readyz", rt.Health.HandleReady)
	mux.HandleFunc("GET /version", rt.Health.HandleVersion(version, buildTime, gitCommit))

	// 工作流
	mux.HandleFunc("POST /api/v1/workflows", rt.Workflows.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", rt.Workflows.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", rt.Workflows.HandleGet)
	mux.HandleFunc("PATCH /api/v1/workflows/{id}", rt.Workflows.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", rt.Workflows.HandleArchive)
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", rt.Workflows.HandleExecute)
	mux.HandleFunc("GET /api/v1/workflows/{id}/stats", rt.Workflows.HandleStats)
	mux.HandleFunc("GET /api/v1/workflows/{id}/plan", rt.Workflows.HandlePlan)

	// 执行
	mux.HandleFunc("GET /api/v1/executions", rt.Executions.HandleList)
	mux.HandleFunc("GET /api/v1/executions/{id}", rt.Executions.HandleGet)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", rt.Executions.HandleCancel)

	// 事件
	mux.HandleFunc("POST /api/v1/events", rt.Events.HandleEmit)
	mux.HandleFunc("GET /api/v1/events", rt.Events.HandleRecent)
	mux.HandleFunc("GET /api/v1/events/stream", rt.Events.HandleStream)

	// Agent
	mux.HandleFunc("GET /api/v1/agents", rt.Agents.HandleList)
}
