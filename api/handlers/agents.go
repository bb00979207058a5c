package handlers

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/api"
)

// AgentHandler 暴露 Agent 实例的负载与性能计数
type AgentHandler struct {
	svc    Orchestrator
	logger *zap.Logger
}

// NewAgentHandler 创建 Agent 处理器
func NewAgentHandler(svc Orchestrator, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{svc: svc, logger: logger.With(zap.String("handler", "agent"))}
}

// HandleList 处理 GET /api/v1/agents，可用 ?type= 过滤
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	agentType := r.URL.Query().Get("type")

	all := h.svc.Agents()
	out := make([]dispatch.AgentDescriptor, 0, len(all))
	for _, a := range all {
		if agentType != "" && a.Type != agentType {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})

	WriteSuccess(w, api.AgentList{Agents: out, Total: len(out)})
}
