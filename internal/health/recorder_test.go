// Package health_test tests status derivation and latency aggregation.
package health_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/avatar-service/internal/health"
)

func TestPreRegisteredComponentsStartUnknown(t *testing.T) {
	t.Parallel()

	recorder := health.NewRecorder("job-store", "generation-engine")

	snapshot := recorder.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, health.StatusUnknown, snapshot["job-store"].Status)
	assert.Equal(t, health.StatusUnknown, snapshot["generation-engine"].Status)
}

func TestSuccessMakesHealthy(t *testing.T) {
	t.Parallel()

	recorder := health.NewRecorder()
	recorder.RecordSuccess("job-store", 5*time.Millisecond)

	got := recorder.Snapshot()["job-store"]
	assert.Equal(t, health.StatusHealthy, got.Status)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.False(t, got.LastCheck.IsZero())
}

func TestErrorsDegradeThenError(t *testing.T) {
	t.Parallel()

	recorder := health.NewRecorder()
	recorder.RecordSuccess("generation-engine", time.Millisecond)

	recorder.RecordError("generation-engine", errors.New("synthesis failed"))
	assert.Equal(t, health.StatusDegraded, recorder.Snapshot()["generation-engine"].Status)

	recorder.RecordError("generation-engine", errors.New("synthesis failed"))
	recorder.RecordError("generation-engine", errors.New("synthesis failed"))

	got := recorder.Snapshot()["generation-engine"]
	assert.Equal(t, health.StatusError, got.Status)
	assert.EqualValues(t, 3, got.ErrorCount)
	assert.Equal(t, "synthesis failed", got.LastError)

	// A success resets the streak.
	recorder.RecordSuccess("generation-engine", time.Millisecond)
	assert.Equal(t, health.StatusHealthy, recorder.Snapshot()["generation-engine"].Status)
}

func TestNilErrorIsIgnored(t *testing.T) {
	t.Parallel()

	recorder := health.NewRecorder()
	recorder.RecordError("job-store", nil)

	assert.Empty(t, recorder.Snapshot())
}

func TestMarkUnavailable(t *testing.T) {
	t.Parallel()

	recorder := health.NewRecorder()
	recorder.MarkUnavailable("job-store", errors.New("database is locked"))

	got := recorder.Snapshot()["job-store"]
	assert.Equal(t, health.StatusUnavailable, got.Status)
	assert.Equal(t, "database is locked", got.LastError)
}

func TestLatencyStatistics(t *testing.T) {
	t.Parallel()

	recorder := health.NewRecorder()

	// 1ms..100ms, one sample each.
	for i := 1; i <= 100; i++ {
		recorder.RecordSuccess("cache", time.Duration(i)*time.Millisecond)
	}

	latency := recorder.Snapshot()["cache"].Latency
	assert.Equal(t, time.Millisecond, latency.Min)
	assert.Equal(t, 100*time.Millisecond, latency.Max)
	assert.InDelta(t, (50500 * time.Microsecond).Seconds(), latency.Avg.Seconds(), 0.001)
	assert.Equal(t, 96*time.Millisecond, latency.P95)
	assert.Equal(t, 100*time.Millisecond, latency.P99)
}
