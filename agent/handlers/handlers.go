package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/types"
)

// Agent types served by this package.
const (
	TypeDataProcessor        = "data_processor"
	TypeDataPrivacy          = "data_privacy"
	TypeCarbonAnalyzer       = "carbon_analyzer"
	TypeAnomalyDetector      = "anomaly_detector"
	TypeTrendAnalyzer        = "trend_analyzer"
	TypeRecommendationEngine = "recommendation_engine"
	TypeOptimizationAdvisor  = "optimization_advisor"
	TypeComplianceMonitor    = "compliance_monitor"
	TypeReportGenerator      = "report_generator"

	// Profilers also serve variant types such as sector_profiler_textiles.
	TypeSectorProfiler           = "sector_profiler"
	TypeProcessMachineryProfiler = "process_machinery_profiler"
)

type handleFunc func(ctx context.Context, in *taskInput) (map[string]any, error)

// Handler adapts one built-in agent to dispatch.TaskHandler.
type Handler struct {
	agentType string
	fn        handleFunc
	logger    *zap.Logger
}

// Handle implements dispatch.TaskHandler.
func (h *Handler) Handle(ctx context.Context, task *dispatch.Task) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	in := newTaskInput(task)
	if in.subjectID == "" {
		in.subjectID, _ = types.SubjectID(ctx)
	}
	out, err := h.fn(ctx, in)
	if err != nil {
		h.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.String("step_id", task.StepID),
			zap.Error(err),
		)
		return nil, err
	}
	h.logger.Debug("task handled",
		zap.String("task_id", task.ID),
		zap.String("step_id", task.StepID),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// AgentType returns the agent type the handler serves.
func (h *Handler) AgentType() string {
	return h.agentType
}

// Builtin returns every built-in handler keyed by agent type.
func Builtin(logger *zap.Logger) map[string]*Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	fns := map[string]handleFunc{
		TypeDataProcessor:            processData,
		TypeDataPrivacy:              protectData,
		TypeCarbonAnalyzer:           analyzeCarbon,
		TypeAnomalyDetector:          detectAnomalies,
		TypeTrendAnalyzer:            analyzeTrends,
		TypeRecommendationEngine:     recommend,
		TypeOptimizationAdvisor:      adviseOptimizations,
		TypeComplianceMonitor:        checkCompliance,
		TypeReportGenerator:          generateReport,
		TypeSectorProfiler:           profileSector,
		TypeProcessMachineryProfiler: profileProcesses,
	}
	out := make(map[string]*Handler, len(fns))
	for agentType, fn := range fns {
		out[agentType] = &Handler{
			agentType: agentType,
			fn:        fn,
			logger:    logger.With(zap.String("agent_type", agentType)),
		}
	}
	return out
}

// Register installs every built-in handler into reg.
func Register(reg *dispatch.Registry, logger *zap.Logger) error {
	for agentType, h := range Builtin(logger) {
		if err := reg.RegisterHandler(agentType, h); err != nil {
			return err
		}
	}
	return nil
}
