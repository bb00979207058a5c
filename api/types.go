package api

import (
	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/events"
	"github.com/BaSui01/carbonflow/workflow"
)

// =============================================================================
// 工作流类型
// =============================================================================

// WorkflowList 工作流列表响应
type WorkflowList struct {
	Workflows []*workflow.Definition `json:"workflows"`
	Total     int                    `json:"total"`
}

// ExecuteRequest 手动执行工作流请求
type ExecuteRequest struct {
	// 执行针对的主体（MSME）
	SubjectID string `json:"subject_id" example:"msme-42"`
	// 触发输入，原样传给根步骤
	Input map[string]any `json:"input,omitempty"`
}

// =============================================================================
// 执行类型
// =============================================================================

// ExecutionList 执行列表响应
type ExecutionList struct {
	Executions []*workflow.Execution `json:"executions"`
	Total      int                   `json:"total"`
}

// CancelResponse 取消执行响应
type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Cancelled   bool   `json:"cancelled"`
}

// =============================================================================
// 事件类型
// =============================================================================

// EmitEventRequest 发布事件请求
type EmitEventRequest struct {
	// 事件类型，例如 transaction.created
	EventType string `json:"event_type" example:"transaction.created"`
	// 事件负载；subject_id / msme_id 标识主体
	Payload map[string]any `json:"payload,omitempty"`
	// 事件来源，缺省为 api
	Source string `json:"source,omitempty" example:"bank-sync"`
}

// EventList 最近事件响应
type EventList struct {
	Events []*events.Event `json:"events"`
	Total  int             `json:"total"`
}

// =============================================================================
// Agent 类型
// =============================================================================

// AgentList Agent 实例列表响应
type AgentList struct {
	Agents []dispatch.AgentDescriptor `json:"agents"`
	Total  int                        `json:"total"`
}
