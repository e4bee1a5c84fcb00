// Package health is a passive observability sink. Components report the
// outcome of each operation; a status endpoint reads the aggregated snapshot.
// Recording never fails and never blocks the caller's primary operation
// beyond a short mutex hold.
package health

import (
	"sort"
	"sync"
	"time"
)

// Status classifies a component's recent behavior.
type Status string

// Component statuses, from best to worst knowledge.
const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusError       Status = "error"
	StatusUnavailable Status = "unavailable"
	StatusUnknown     Status = "unknown"
)

const (
	// latencyWindow bounds the rolling sample per component.
	latencyWindow = 1024
	// errorStreakThreshold is how many consecutive errors move a
	// component from degraded to error.
	errorStreakThreshold = 3
)

// LatencyStats summarizes the rolling latency window of one component.
type LatencyStats struct {
	Avg time.Duration
	Min time.Duration
	Max time.Duration
	P95 time.Duration
	P99 time.Duration
}

// ComponentHealth is the externally visible record for one component.
type ComponentHealth struct {
	Name         string
	Status       Status
	SuccessCount int64
	ErrorCount   int64
	LastError    string
	Latency      LatencyStats
	LastCheck    time.Time
}

type componentState struct {
	status      Status
	successes   int64
	errors      int64
	errorStreak int
	lastError   string
	latencies   []time.Duration
	lastCheck   time.Time
}

// Recorder aggregates per-component operational health.
type Recorder struct {
	mu         sync.Mutex
	components map[string]*componentState
	now        func() time.Time
}

// NewRecorder creates a recorder pre-registering the given component names so
// they appear as unknown before their first operation.
func NewRecorder(components ...string) *Recorder {
	r := &Recorder{
		components: make(map[string]*componentState, len(components)),
		now:        time.Now,
	}

	for _, name := range components {
		r.components[name] = &componentState{status: StatusUnknown}
	}

	return r
}

// RecordSuccess notes a successful operation and its latency.
func (r *Recorder) RecordSuccess(component string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(component)
	state.successes++
	state.errorStreak = 0
	state.status = StatusHealthy
	state.lastCheck = r.now()

	state.latencies = append(state.latencies, latency)
	if len(state.latencies) > latencyWindow {
		state.latencies = state.latencies[len(state.latencies)-latencyWindow:]
	}
}

// RecordError notes a failed operation. A nil error is ignored.
func (r *Recorder) RecordError(component string, err error) {
	if err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(component)
	state.errors++
	state.errorStreak++
	state.lastError = err.Error()
	state.lastCheck = r.now()

	if state.errorStreak >= errorStreakThreshold {
		state.status = StatusError
	} else {
		state.status = StatusDegraded
	}
}

// MarkUnavailable flags a component whose backing dependency is unreachable.
func (r *Recorder) MarkUnavailable(component string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(component)
	state.status = StatusUnavailable
	state.lastCheck = r.now()

	if err != nil {
		state.errors++
		state.lastError = err.Error()
	}
}

// Snapshot returns a copy of every component's health, keyed by name.
func (r *Recorder) Snapshot() map[string]ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ComponentHealth, len(r.components))

	for name, state := range r.components {
		out[name] = ComponentHealth{
			Name:         name,
			Status:       state.status,
			SuccessCount: state.successes,
			ErrorCount:   state.errors,
			LastError:    state.lastError,
			Latency:      summarize(state.latencies),
			LastCheck:    state.lastCheck,
		}
	}

	return out
}

func (r *Recorder) state(component string) *componentState {
	state, ok := r.components[component]
	if !ok {
		state = &componentState{status: StatusUnknown}
		r.components[component] = state
	}

	return state
}

func summarize(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, sample := range sorted {
		total += sample
	}

	return LatencyStats{
		Avg: total / time.Duration(len(sorted)),
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, pct int) time.Duration {
	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
