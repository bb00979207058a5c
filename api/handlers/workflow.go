package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/api"
	"github.com/BaSui01/carbonflow/events"
	"github.com/BaSui01/carbonflow/types"
	"github.com/BaSui01/carbonflow/workflow"
)

// Orchestrator 是 HTTP 层依赖的编排服务接口，*workflow.Service 实现了它
type Orchestrator interface {
	CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
	UpdateWorkflow(ctx context.Context, id string, patch *workflow.DefinitionPatch) (*workflow.Definition, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	GetWorkflowVersion(ctx context.Context, id string, version int) (*workflow.Definition, error)
	ListWorkflows(ctx context.Context, opts workflow.ListOptions) ([]*workflow.Definition, error)
	ArchiveWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	Stats(ctx context.Context, workflowID string) (*workflow.WorkflowStats, error)
	PlanWorkflow(ctx context.Context, id string, version int) (*workflow.PlanSummary, error)

	ExecuteWorkflow(ctx context.Context, id, subjectID string, input map[string]any) (*workflow.ExecutionRef, error)
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error)
	CancelExecution(ctx context.Context, id string) error

	EmitEvent(ctx context.Context, eventType string, payload map[string]any, source string) (*events.Event, error)
	RecentEvents(limit int) []*events.Event

	Agents() []dispatch.AgentDescriptor
}

var _ Orchestrator = (*workflow.Service)(nil)

// =============================================================================
// 🔀 工作流 Handler
// =============================================================================

// WorkflowHandler 工作流定义的 CRUD 与执行入口
type WorkflowHandler struct {
	svc    Orchestrator
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(svc Orchestrator, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{svc: svc, logger: logger.With(zap.String("handler", "workflow"))}
}

// HandleCreate 处理 POST /api/v1/workflows
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var def workflow.Definition
	if err := DecodeJSONBody(w, r, &def, h.logger); err != nil {
		return
	}

	created, err := h.svc.CreateWorkflow(r.Context(), &def)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow created",
		zap.String("workflow_id", created.ID),
		zap.String("name", created.Name),
		zap.Int("steps", len(created.Steps)))
	WriteStatus(w, http.StatusCreated, created)
}

// HandleList 处理 GET /api/v1/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	includeArchived, err := queryBool(r, "include_archived")
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	defs, err := h.svc.ListWorkflows(r.Context(), workflow.ListOptions{
		Category:        r.URL.Query().Get("category"),
		IncludeArchived: includeArchived,
		Limit:           limit,
	})
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.WorkflowList{Workflows: defs, Total: len(defs)})
}

// HandleGet 处理 GET /api/v1/workflows/{id}，可通过 ?version= 读取历史版本
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version, err := queryInt(r, "version", 0)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	var def *workflow.Definition
	if version > 0 {
		def, err = h.svc.GetWorkflowVersion(r.Context(), id, version)
	} else {
		def, err = h.svc.GetWorkflow(r.Context(), id)
	}
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleUpdate 处理 PATCH /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var patch workflow.DefinitionPatch
	if err := DecodeJSONBody(w, r, &patch, h.logger); err != nil {
		return
	}

	updated, err := h.svc.UpdateWorkflow(r.Context(), r.PathValue("id"), &patch)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow updated",
		zap.String("workflow_id", updated.ID),
		zap.Int("version", updated.Version))
	WriteSuccess(w, updated)
}

// HandleArchive 处理 DELETE /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := h.svc.ArchiveWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, archived)
}

// HandleExecute 处理 POST /api/v1/workflows/{id}/execute；执行异步进行
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "subject_id is required"), h.logger)
		return
	}

	ref, err := h.svc.ExecuteWorkflow(r.Context(), r.PathValue("id"), req.SubjectID, req.Input)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+ref.ExecutionID)
	WriteStatus(w, http.StatusAccepted, ref)
}

// HandleStats 处理 GET /api/v1/workflows/{id}/stats
func (h *WorkflowHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

// HandlePlan 处理 GET /api/v1/workflows/{id}/plan，返回分层与分组视图，可通过 ?version= 指定版本
func (h *WorkflowHandler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version", 0)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	plan, err := h.svc.PlanWorkflow(r.Context(), r.PathValue("id"), version)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, plan)
}
