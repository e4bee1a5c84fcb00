package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/avatar-service/internal/cache"
	"github.com/book-expert/avatar-service/internal/cleanup"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/engine"
	"github.com/book-expert/avatar-service/internal/health"
	"github.com/book-expert/avatar-service/internal/jobstore"
	"github.com/book-expert/avatar-service/internal/ratelimit"
	"github.com/book-expert/avatar-service/internal/service"
	"github.com/book-expert/avatar-service/internal/workerpool"
)

// memArtifacts is an in-memory core.ObjectStore standing in for the NATS
// object store.
type memArtifacts struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{blobs: make(map[string][]byte)}
}

func (m *memArtifacts) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.blobs[key]
	if !ok {
		return nil, core.ErrNotFound
	}

	return data, nil
}

func (m *memArtifacts) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = data

	return nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)

	return nil
}

// uploadEngine stores a fixed artifact per generation and returns its key.
type uploadEngine struct {
	artifacts *memArtifacts
	audio     []byte
}

func (e *uploadEngine) Generate(
	ctx context.Context,
	_ core.GenerationRequest,
	progress core.ProgressFunc,
) (string, error) {
	progress(0.5)

	key := "artifact-" + uuid.NewString()

	err := e.artifacts.Upload(ctx, key, e.audio)
	if err != nil {
		return "", err
	}

	return key, nil
}

type fixture struct {
	svc *service.Service
}

type fixtureOptions struct {
	rate      ratelimit.Config
	pool      workerpool.Config
	startPool bool
}

func defaultOptions() fixtureOptions {
	return fixtureOptions{
		rate:      ratelimit.Config{PerMinute: 600, Burst: 100, Enabled: true},
		pool:      workerpool.Config{Workers: 2, QueueSize: 16},
		startPool: true,
	}
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	dir := t.TempDir()

	log, err := logger.New(dir, "service-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	store, err := jobstore.Open(dir + "/jobs.db")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	artifacts := newMemArtifacts()
	eng := &uploadEngine{artifacts: artifacts, audio: []byte("wav-bytes")}

	limiter := ratelimit.New(opts.rate)
	recorder := health.NewRecorder(service.Components()...)
	memCache := cache.New(cache.Config{}, log)

	discard := func(ctx context.Context, ref string) {
		_ = artifacts.Delete(ctx, ref)
	}

	pool := workerpool.New(opts.pool, store, eng, discard, log)
	if opts.startPool {
		pool.Start()
		t.Cleanup(func() { pool.Stop(5 * time.Second) })
	}

	scheduler := cleanup.New(cleanup.Config{TempDir: dir + "/tmp"}, store, limiter, log)

	svc := service.New(service.Config{
		Store:     store,
		Pool:      pool,
		Limiter:   limiter,
		Cache:     memCache,
		Health:    recorder,
		Artifacts: artifacts,
		Scheduler: scheduler,
		Log:       log,
	})

	return &fixture{svc: svc}
}

func waitForStatus(
	t *testing.T,
	svc *service.Service,
	jobID string,
	want core.JobStatus,
) core.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		job, err := svc.Job(context.Background(), jobID)
		require.NoError(t, err)

		if job.Status == want {
			return job
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("job %s never reached status %s", jobID, want)

	return core.Job{}
}

func speechRequest() core.GenerationRequest {
	return core.GenerationRequest{Text: "Hello, world!", Voice: "default", Speed: 1.0}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())
	ctx := context.Background()

	job, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)
	require.Equal(t, core.StatusPending, job.Status)
	require.Equal(t, "client-a", job.Metadata["client_key"])
	require.Equal(t, "default", job.Metadata["voice"])

	done := waitForStatus(t, fix.svc, job.ID, core.StatusCompleted)
	require.NotEmpty(t, done.ResultRef)
	require.InDelta(t, 1.0, done.Progress, 0.001)

	data, err := fix.svc.Result(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "wav-bytes", string(data))
}

func TestSubmitRejectsInvalidRequestWithoutRecord(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())
	ctx := context.Background()

	req := speechRequest()
	req.Voice = "nonexistent"

	_, err := fix.svc.Submit(ctx, "client-a", req)
	require.ErrorIs(t, err, core.ErrValidation)
	require.ErrorIs(t, err, engine.ErrUnsupportedVoice)

	jobs, err := fix.svc.Jobs(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.rate = ratelimit.Config{PerMinute: 1, Burst: 1, Enabled: true}

	fix := newFixture(t, opts)
	ctx := context.Background()

	_, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)

	_, err = fix.svc.Submit(ctx, "client-a", speechRequest())
	require.ErrorIs(t, err, core.ErrRateLimited)

	var rateErr *service.RateLimitedError

	require.ErrorAs(t, err, &rateErr)
	require.Positive(t, rateErr.RetryAfter)

	// Other clients have their own bucket.
	_, err = fix.svc.Submit(ctx, "client-b", speechRequest())
	require.NoError(t, err)
}

func TestSubmitQueueFullLeavesNoRecord(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.pool = workerpool.Config{Workers: 1, QueueSize: 1}
	opts.startPool = false

	fix := newFixture(t, opts)
	ctx := context.Background()

	_, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)

	_, err = fix.svc.Submit(ctx, "client-a", speechRequest())
	require.ErrorIs(t, err, core.ErrQueueFull)

	jobs, err := fix.svc.Jobs(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestJobsRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())

	_, err := fix.svc.Jobs(context.Background(), "sleeping", 10, 0)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestResultNotReadyBeforeCompletion(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.startPool = false

	fix := newFixture(t, opts)
	ctx := context.Background()

	job, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)

	_, err = fix.svc.Result(ctx, job.ID)
	require.ErrorIs(t, err, core.ErrNotReady)
}

func TestResultUnknownJob(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())

	_, err := fix.svc.Result(context.Background(), "no-such-job")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.startPool = false

	fix := newFixture(t, opts)
	ctx := context.Background()

	job, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)

	status, err := fix.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusCancelled, status)
}

func TestVoicesServedFromCache(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())
	ctx := context.Background()

	first := fix.svc.Voices(ctx)
	require.Contains(t, first, "default")

	second := fix.svc.Voices(ctx)
	require.Equal(t, first, second)

	require.Positive(t, fix.svc.Status().Cache.Hits)
}

func TestStatusReportsComponentsAndLoad(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())
	ctx := context.Background()

	job, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)

	waitForStatus(t, fix.svc, job.ID, core.StatusCompleted)

	status := fix.svc.Status()
	require.Contains(t, status.Components, service.ComponentSubmit)
	require.Equal(t, health.StatusHealthy, status.Components[service.ComponentSubmit].Status)
	require.Equal(t, 2, status.Queue.MaxWorkers)
	require.Equal(t, 1, status.RateBuckets)
}

func TestRunCleanupKeepsFreshTerminalJobs(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, defaultOptions())
	ctx := context.Background()

	job, err := fix.svc.Submit(ctx, "client-a", speechRequest())
	require.NoError(t, err)

	waitForStatus(t, fix.svc, job.ID, core.StatusCompleted)
	time.Sleep(20 * time.Millisecond)

	report := fix.svc.RunCleanup(ctx)
	require.Zero(t, report.JobsDeleted)
}
