package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.executionsTotal)
	assert.NotNil(t, collector.stepTransitions)
	assert.NotNil(t, collector.agentLoad)
	assert.NotNil(t, collector.consensusAgreement)
}

func TestCollector_NilReceiverIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
		collector.RecordExecutionStarted()
		collector.RecordExecutionFinished("wf", "COMPLETED", time.Second)
		collector.RecordStepTransition("carbon_analyzer", "READY", "DISPATCHED")
		collector.RecordTaskExecution("a1", "carbon_analyzer", "succeeded", time.Second)
		collector.RecordAgentLoad("a1", "carbon_analyzer", 1)
		collector.RecordQueueDepth("carbon_analyzer", 3)
		collector.RecordOverrunHandlers("carbon_analyzer", 1)
		collector.RecordConsensus("majority", 0.5, true)
		collector.RecordEvent("transactions.sms_processed", "processed")
		collector.RecordCacheHit("redis")
		collector.RecordDBQuery("postgres", "SELECT", time.Millisecond)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/api/v1/executions/:id", 200, 100*time.Millisecond, 1024, 2048)
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/api/v1/executions/:id", 404, 50*time.Millisecond, 512, 1024)
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestsTotal))
}

func TestCollector_RecordExecution(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordExecutionStarted()
	collector.RecordExecutionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.executionsRunning))

	collector.RecordExecutionFinished("carbon-assessment", "COMPLETED", 2*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.executionsRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.executionsTotal.WithLabelValues("carbon-assessment", "COMPLETED")))
	assert.Greater(t, testutil.CollectAndCount(collector.executionDuration), 0)
}

func TestCollector_RecordSteps(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStepTransition("carbon_analyzer", "PENDING", "READY")
	collector.RecordStepTransition("carbon_analyzer", "READY", "DISPATCHED")
	collector.RecordStepRetry("carbon_analyzer", "TIMEOUT")

	assert.Equal(t, 2, testutil.CollectAndCount(collector.stepTransitions))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepRetries.WithLabelValues("carbon_analyzer", "TIMEOUT")))
}

func TestCollector_RecordDispatch(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordTaskExecution("carbon-1", "carbon_analyzer", "succeeded", time.Second)
	collector.RecordAgentLoad("carbon-1", "carbon_analyzer", 2)
	collector.RecordQueueDepth("carbon_analyzer", 3)

	assert.Greater(t, testutil.CollectAndCount(collector.taskExecutionsTotal), 0)
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.agentLoad.WithLabelValues("carbon-1", "carbon_analyzer")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.dispatchQueueDepth.WithLabelValues("carbon_analyzer")))

	collector.RecordOverrunHandlers("carbon_analyzer", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.overrunHandlers.WithLabelValues("carbon_analyzer")))
}

func TestCollector_RecordConsensusAndEvents(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordConsensus("majority", 1, true)
	collector.RecordConsensus("majority", 0, false)
	collector.RecordEvent("transactions.sms_processed", "processed")

	assert.Greater(t, testutil.CollectAndCount(collector.consensusAgreement), 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.consensusFailures.WithLabelValues("majority")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.eventsEmitted.WithLabelValues("transactions.sms_processed", "processed")))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("redis")
	collector.RecordCacheMiss("redis")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordStepTransition("data_processor", "RUNNING", "COMPLETED")
			collector.RecordCacheHit("redis")
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.stepTransitions.WithLabelValues("data_processor", "RUNNING", "COMPLETED")))
}
