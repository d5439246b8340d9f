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

// promauto 注册到全局 Registry，每个测试用独立 namespace 避免冲突
func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("flowmesh_test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, c)
	assert.NotNil(t, c.executionsTotal)
	assert.NotNil(t, c.executionDuration)
	assert.NotNil(t, c.activeExecutions)
	assert.NotNil(t, c.stepDispatchTotal)
	assert.NotNil(t, c.breakerTransitions)
	assert.NotNil(t, c.lockAcquireTotal)
}

func TestCollector_RecordExecution(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordExecution("wf-etl", "completed", 2*time.Second)
	c.RecordExecution("wf-etl", "failed", time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(c.executionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("wf-etl", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("wf-etl", "failed")))
}

func TestCollector_ActiveExecutionsGauge(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.ExecutionStarted()
	c.ExecutionStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeExecutions))

	c.ExecutionFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeExecutions))
}

func TestCollector_RecordStepMetrics(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordStepDispatch("extraction", "ok", 100*time.Millisecond)
	c.RecordStepDispatch("extraction", "error", 50*time.Millisecond)
	c.RecordStepRetry("extraction")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepDispatchTotal.WithLabelValues("extraction", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepDispatchTotal.WithLabelValues("extraction", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepRetriesTotal.WithLabelValues("extraction")))
}

func TestCollector_RecordBreakerTransition(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordBreakerTransition("extraction", "closed", "open")
	c.RecordBreakerTransition("extraction", "open", "half_open")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("extraction", "closed", "open")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.breakerTransitions))
}

func TestCollector_RecordBusAndLock(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordBusPublished("event")
	c.RecordBusDropped("buffer_full")
	c.RecordLockAcquire("acquired")
	c.RecordLockAcquire("contended")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.busPublishedTotal.WithLabelValues("event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.busDroppedTotal.WithLabelValues("buffer_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockAcquireTotal.WithLabelValues("acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockAcquireTotal.WithLabelValues("contended")))
}
