package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordItemCreated("gmail")
	m.RecordItemCreated("gmail")
	m.RecordDuplicate("gmail")
	m.SetWatcherHealth("gmail", 2)
	m.RecordApprovalCreated("high")
	m.RecordDecision("approved")
	m.RecordExecution("facebook", "success", 120*time.Millisecond)
	m.RecordRetry("facebook")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsCreated.WithLabelValues("gmail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesSuppressed.WithLabelValues("gmail")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WatcherHealth.WithLabelValues("gmail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalsCreated.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalDecisions.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("facebook", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("facebook")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExecutionSeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordItemCreated("x")
		m.RecordDuplicate("x")
		m.SetWatcherHealth("x", 1)
		m.RecordApprovalCreated("low")
		m.RecordDecision("rejected")
		m.RecordExecution("x", "failed", time.Second)
		m.RecordRetry("x")
	})
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "duplicate registration must panic")
}
