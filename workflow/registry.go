package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/persistence"
	"github.com/BaSui01/carbonflow/types"
)

// Record kinds.
const (
	kindWorkflow        = "workflow"
	kindWorkflowVersion = "workflow_version"
	kindExecution       = "execution"
)

// ListOptions filters ListWorkflows.
type ListOptions struct {
	Category        string
	IncludeArchived bool
	Limit           int
}

// Registry stores validated workflow definitions. The latest version lives
// under the workflow id; every version is also kept as an immutable
// snapshot under "<id>:<version>".
type Registry struct {
	store  persistence.RecordStore
	mu     sync.Mutex
	logger *zap.Logger
}

// NewRegistry creates a workflow registry over a record store.
func NewRegistry(store persistence.RecordStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger.With(zap.String("component", "workflow_registry"))}
}

// Create validates and stores a new definition at version 1. Nothing is
// stored when validation fails.
func (r *Registry) Create(ctx context.Context, def *Definition) (*Definition, error) {
	if def == nil {
		return nil, types.NewError(types.ErrValidation, "workflow definition is required")
	}
	out := def.Clone()
	out.applyDefaults()
	if err := Validate(out); err != nil {
		return nil, err
	}
	if _, err := BuildPlan(out); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if out.ID == "" {
		out.ID = "wf_" + uuid.NewString()
	} else if _, err := r.store.Get(ctx, kindWorkflow, out.ID); err == nil {
		return nil, types.Errorf(types.ErrValidation, "workflow %s already exists", out.ID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, wrapStoreErr(err)
	}

	now := time.Now().UTC()
	out.Version = 1
	out.IsActive = true
	out.CreatedAt = now
	out.UpdatedAt = now
	out.ArchivedAt = nil

	if err := r.save(ctx, out); err != nil {
		return nil, err
	}
	r.logger.Info("workflow created",
		zap.String("workflow_id", out.ID),
		zap.String("name", out.Name),
		zap.Int("steps", len(out.Steps)),
	)
	return out.Clone(), nil
}

// Update applies a patch, validates the result and stores it as a new version.
func (r *Registry) Update(ctx context.Context, id string, patch *DefinitionPatch) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ArchivedAt != nil {
		return nil, types.Errorf(types.ErrInvalidState, "workflow %s is archived", id)
	}

	next := patch.Apply(current)
	next.ID = current.ID
	next.applyDefaults()
	if err := Validate(next); err != nil {
		return nil, err
	}
	if _, err := BuildPlan(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	if err := r.save(ctx, next); err != nil {
		return nil, err
	}
	r.logger.Info("workflow updated", zap.String("workflow_id", id), zap.Int("version", next.Version))
	return next.Clone(), nil
}

// Archive soft-deletes a workflow: it stays readable but never triggers.
func (r *Registry) Archive(ctx context.Context, id string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.ArchivedAt != nil {
		return def, nil
	}
	now := time.Now().UTC()
	def.IsActive = false
	def.ArchivedAt = &now
	def.UpdatedAt = now
	if err := r.putLatest(ctx, def); err != nil {
		return nil, err
	}
	r.logger.Info("workflow archived", zap.String("workflow_id", id))
	return def, nil
}

// Get returns the latest version of a workflow.
func (r *Registry) Get(ctx context.Context, id string) (*Definition, error) {
	rec, err := r.store.Get(ctx, kindWorkflow, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return decodeDefinition(rec)
}

// GetVersion returns a specific immutable version.
func (r *Registry) GetVersion(ctx context.Context, id string, version int) (*Definition, error) {
	rec, err := r.store.Get(ctx, kindWorkflowVersion, versionKey(id, version))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "workflow %s version %d not found", id, version)
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return decodeDefinition(rec)
}

// List returns workflows, newest first.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]*Definition, error) {
	filter := persistence.Filter{Labels: map[string]string{}, Limit: opts.Limit}
	if opts.Category != "" {
		filter.Labels["category"] = opts.Category
	}
	if !opts.IncludeArchived {
		filter.Labels["archived"] = "false"
	}
	return r.find(ctx, filter)
}

// FindByEvent returns the active workflows whose event trigger lists eventType.
func (r *Registry) FindByEvent(ctx context.Context, eventType string) ([]*Definition, error) {
	defs, err := r.find(ctx, persistence.Filter{Labels: map[string]string{
		"active":  "true",
		"trigger": string(TriggerEvent),
	}})
	if err != nil {
		return nil, err
	}
	out := defs[:0]
	for _, d := range defs {
		if d.Trigger.Matches(eventType) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Scheduled returns the active workflows with a scheduled trigger.
func (r *Registry) Scheduled(ctx context.Context) ([]*Definition, error) {
	return r.find(ctx, persistence.Filter{Labels: map[string]string{
		"active":  "true",
		"trigger": string(TriggerScheduled),
	}})
}

func (r *Registry) find(ctx context.Context, filter persistence.Filter) ([]*Definition, error) {
	recs, err := r.store.Find(ctx, kindWorkflow, filter)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	out := make([]*Definition, 0, len(recs))
	for _, rec := range recs {
		def, err := decodeDefinition(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// save stores the version snapshot first so that the latest pointer never
// references a missing version.
func (r *Registry) save(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode workflow").WithCause(err)
	}
	snapshot := &persistence.Record{
		Kind:   kindWorkflowVersion,
		ID:     versionKey(def.ID, def.Version),
		Data:   data,
		Labels: map[string]string{"workflow_id": def.ID},
	}
	if err := r.store.Put(ctx, snapshot); err != nil {
		return wrapStoreErr(err)
	}
	return r.putLatest(ctx, def)
}

func (r *Registry) putLatest(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode workflow").WithCause(err)
	}
	rec := &persistence.Record{
		Kind:      kindWorkflow,
		ID:        def.ID,
		Data:      data,
		CreatedAt: def.CreatedAt,
		Labels: map[string]string{
			"category": def.Category,
			"active":   strconv.FormatBool(def.IsActive),
			"archived": strconv.FormatBool(def.ArchivedAt != nil),
			"trigger":  string(def.Trigger.Type),
		},
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func decodeDefinition(rec *persistence.Record) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(rec.Data, &def); err != nil {
		return nil, types.Errorf(types.ErrInternalError, "corrupt workflow record %s", rec.ID).WithCause(err)
	}
	return &def, nil
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

func wrapStoreErr(err error) error {
	return types.NewError(types.ErrServiceUnavailable, "record store failure").WithCause(err)
}
