package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/api"
	"github.com/BaSui01/carbonflow/types"
	"github.com/BaSui01/carbonflow/workflow"
)

// ExecutionHandler 执行查询与取消
type ExecutionHandler struct {
	svc    Orchestrator
	logger *zap.Logger
}

// NewExecutionHandler 创建执行处理器
func NewExecutionHandler(svc Orchestrator, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{svc: svc, logger: logger.With(zap.String("handler", "execution"))}
}

var executionStatuses = map[workflow.ExecutionStatus]bool{
	workflow.ExecutionPending:   true,
	workflow.ExecutionRunning:   true,
	workflow.ExecutionCompleted: true,
	workflow.ExecutionFailed:    true,
	workflow.ExecutionCancelled: true,
}

// HandleList 处理 GET /api/v1/executions
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	status := workflow.ExecutionStatus(q.Get("status"))
	if status != "" && !executionStatuses[status] {
		WriteError(w, types.Errorf(types.ErrInvalidRequest, "unknown execution status %q", status), h.logger)
		return
	}

	execs, err := h.svc.ListExecutions(r.Context(), workflow.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		SubjectID:  q.Get("subject_id"),
		Status:     status,
		Limit:      limit,
	})
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.ExecutionList{Executions: execs, Total: len(execs)})
}

// HandleGet 处理 GET /api/v1/executions/{id}；重复调用不改变状态
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exec)
}

// HandleCancel 处理 POST /api/v1/executions/{id}/cancel
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.CancelExecution(r.Context(), id); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("execution cancel requested", zap.String("execution_id", id))
	WriteSuccess(w, api.CancelResponse{ExecutionID: id, Cancelled: true})
}
