package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/carbonflow/agent/persistence"
	"github.com/BaSui01/carbonflow/types"
)

// ExecutionFilter selects executions for ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     ExecutionStatus
	SubjectID  string
	Limit      int
}

// SnapshotCache caches terminal execution snapshots. internal/cache.Manager
// satisfies it.
type SnapshotCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ExecutionStore persists execution snapshots as records.
type ExecutionStore struct {
	store    persistence.RecordStore
	cache    SnapshotCache
	cacheTTL time.Duration
}

// NewExecutionStore creates an execution store. cache may be nil.
func NewExecutionStore(store persistence.RecordStore, cache SnapshotCache, cacheTTL time.Duration) *ExecutionStore {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &ExecutionStore{store: store, cache: cache, cacheTTL: cacheTTL}
}

func cacheKey(id string) string {
	return "execution:" + id
}

// Save upserts a snapshot. Terminal snapshots are also cached.
func (s *ExecutionStore) Save(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode execution").WithCause(err)
	}
	rec := &persistence.Record{
		Kind:      kindExecution,
		ID:        exec.ID,
		Data:      data,
		CreatedAt: exec.StartedAt,
		Labels: map[string]string{
			"workflow_id":  exec.WorkflowID,
			"status":       string(exec.Status),
			"subject_id":   exec.SubjectID,
			"trigger_type": string(exec.TriggerType),
		},
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return wrapStoreErr(err)
	}
	if s.cache != nil && exec.Status.IsTerminal() {
		// Cache failures only cost a store read later.
		_ = s.cache.SetJSON(ctx, cacheKey(exec.ID), exec, s.cacheTTL)
	}
	return nil
}

// Load returns a stored snapshot, preferring the cache.
func (s *ExecutionStore) Load(ctx context.Context, id string) (*Execution, error) {
	if s.cache != nil {
		var exec Execution
		if err := s.cache.GetJSON(ctx, cacheKey(id), &exec); err == nil {
			return &exec, nil
		}
	}
	rec, err := s.store.Get(ctx, kindExecution, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return decodeExecution(rec)
}

// List returns executions newest first.
func (s *ExecutionStore) List(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	labels := map[string]string{}
	if f.WorkflowID != "" {
		labels["workflow_id"] = f.WorkflowID
	}
	if f.Status != "" {
		labels["status"] = string(f.Status)
	}
	if f.SubjectID != "" {
		labels["subject_id"] = f.SubjectID
	}
	recs, err := s.store.Find(ctx, kindExecution, persistence.Filter{Labels: labels, Limit: f.Limit})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	out := make([]*Execution, 0, len(recs))
	for _, rec := range recs {
		exec, err := decodeExecution(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func decodeExecution(rec *persistence.Record) (*Execution, error) {
	var exec Execution
	if err := json.Unmarshal(rec.Data, &exec); err != nil {
		return nil, types.Errorf(types.ErrInternalError, "corrupt execution record %s", rec.ID).WithCause(err)
	}
	return &exec, nil
}

// WorkflowStats summarizes the executions of one workflow.
type WorkflowStats struct {
	WorkflowID      string        `json:"workflow_id"`
	Total           int           `json:"total"`
	Running         int           `json:"running"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	LastRun         *time.Time    `json:"last_run,omitempty"`
}

// computeStats folds executions into WorkflowStats.
func computeStats(workflowID string, execs []*Execution) *WorkflowStats {
	st := &WorkflowStats{WorkflowID: workflowID}
	var total time.Duration
	finished := 0
	for _, e := range execs {
		st.Total++
		switch e.Status {
		case ExecutionCompleted:
			st.Successful++
		case ExecutionFailed:
			st.Failed++
		case ExecutionCancelled:
			st.Cancelled++
		default:
			st.Running++
		}
		if e.CompletedAt != nil {
			total += e.CompletedAt.Sub(e.StartedAt)
			finished++
		}
		if st.LastRun == nil || e.StartedAt.After(*st.LastRun) {
			t := e.StartedAt
			st.LastRun = &t
		}
	}
	if finished > 0 {
		st.AverageDuration = total / time.Duration(finished)
	}
	if done := st.Successful + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Successful) / float64(done)
	}
	return st
}
