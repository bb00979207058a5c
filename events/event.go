package events

import (
	"time"
)

// Broadcast subscribes a listener to every event type.
const Broadcast = "broadcast"

// Status is the processing status of a recorded event.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// TriggeredExecution links an event to an execution it started (or tried to).
type TriggeredExecution struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Event is one emitted occurrence.
type Event struct {
	ID         string               `json:"id"`
	Type       string               `json:"event_type"`
	Payload    map[string]any       `json:"payload,omitempty"`
	Source     string               `json:"source,omitempty"`
	SubjectID  string               `json:"subject_id,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Status     Status               `json:"status"`
	Executions []TriggeredExecution `json:"executions,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Clone returns a copy that shares no slices with e. Payload values are
// treated as immutable and shared.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.Executions != nil {
		c.Executions = append([]TriggeredExecution(nil), e.Executions...)
	}
	return &c
}

// subjectKeys are checked in order when resolving the subject of a payload.
var subjectKeys = []string{"subjectId", "subject_id", "msmeId", "msme_id"}

// ResolveSubject finds the subject (tenant / MSME) a payload refers to.
func ResolveSubject(payload map[string]any) string {
	for _, k := range subjectKeys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	if msme, ok := payload["msme"].(map[string]any); ok {
		if s, ok := msme["id"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// summarize keeps a bounded view of large payloads in the ring buffer.
func summarize(payload map[string]any, maxItems int) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if list, ok := v.([]any); ok && len(list) > maxItems {
			out[k] = map[string]any{"count": len(list), "truncated": true}
			continue
		}
		out[k] = v
	}
	return out
}
