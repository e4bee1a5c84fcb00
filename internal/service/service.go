// Package service provides the boundary facade over the job orchestration
// components. Callers (transport layers, CLIs) talk to Service only; the
// stores, pool, limiter and cache stay internal.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/avatar-service/internal/cache"
	"github.com/book-expert/avatar-service/internal/cleanup"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/engine"
	"github.com/book-expert/avatar-service/internal/health"
	"github.com/book-expert/avatar-service/internal/jobstore"
	"github.com/book-expert/avatar-service/internal/ratelimit"
	"github.com/book-expert/avatar-service/internal/workerpool"
)

// Health component names, one per boundary operation.
const (
	ComponentSubmit  = "submit"
	ComponentQuery   = "query"
	ComponentCancel  = "cancel"
	ComponentResult  = "result"
	ComponentVoices  = "voices"
	ComponentCleanup = "cleanup"
)

const (
	defaultVoicesCacheTTL = 5 * time.Minute

	voicesCacheKey = "voices"
)

// RateLimitedError reports a rejected submission and when the client may
// retry. It unwraps to core.ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return core.ErrRateLimited
}

// Status is a point-in-time view of the whole service.
type Status struct {
	Components  map[string]health.ComponentHealth
	Queue       workerpool.Stats
	Cache       cache.Stats
	RateBuckets int
}

// Config wires the orchestration components into a Service. Store, Pool,
// Limiter, Cache, Health, Artifacts and Log are required.
type Config struct {
	Store     *jobstore.Store
	Pool      *workerpool.Pool
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Health    *health.Recorder
	Artifacts core.ObjectStore
	Scheduler *cleanup.Scheduler
	Log       *logger.Logger

	// VoicesCacheTTL bounds how long the voice list is served from cache.
	VoicesCacheTTL time.Duration
}

// Service is the single entry point for job submission, inspection,
// cancellation and result retrieval.
type Service struct {
	store     *jobstore.Store
	pool      *workerpool.Pool
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	health    *health.Recorder
	artifacts core.ObjectStore
	scheduler *cleanup.Scheduler
	log       *logger.Logger
	voicesTTL time.Duration
}

// New creates the service facade over already-constructed components.
func New(cfg Config) *Service {
	if cfg.VoicesCacheTTL <= 0 {
		cfg.VoicesCacheTTL = defaultVoicesCacheTTL
	}

	return &Service{
		store:     cfg.Store,
		pool:      cfg.Pool,
		limiter:   cfg.Limiter,
		cache:     cfg.Cache,
		health:    cfg.Health,
		artifacts: cfg.Artifacts,
		scheduler: cfg.Scheduler,
		log:       cfg.Log,
		voicesTTL: cfg.VoicesCacheTTL,
	}
}

// Components returns the health component names the service reports on,
// for pre-registering a Recorder.
func Components() []string {
	return []string{
		ComponentSubmit,
		ComponentQuery,
		ComponentCancel,
		ComponentResult,
		ComponentVoices,
		ComponentCleanup,
	}
}

// Submit admits a generation request for clientKey. It rate-limits, validates,
// creates a durable PENDING job and enqueues it. The returned job is the
// record as persisted; callers poll Job for progress.
func (s *Service) Submit(
	ctx context.Context,
	clientKey string,
	req core.GenerationRequest,
) (core.Job, error) {
	start := time.Now()

	job, err := s.submit(ctx, clientKey, req)

	s.observe(ComponentSubmit, start, err)

	return job, err
}

func (s *Service) submit(
	ctx context.Context,
	clientKey string,
	req core.GenerationRequest,
) (core.Job, error) {
	allowed, retryAfter := s.limiter.Allow(clientKey)
	if !allowed {
		return core.Job{}, &RateLimitedError{RetryAfter: retryAfter}
	}

	err := engine.ValidateRequest(req)
	if err != nil {
		return core.Job{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	job, err := s.store.Create(ctx, requestMetadata(clientKey, req))
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to create job record: %w", err)
	}

	err = s.pool.Submit(workerpool.Task{JobID: job.ID, Request: req})
	if err != nil {
		// The task was not accepted, so the record must not leak.
		deleteErr := s.store.Delete(ctx, job.ID)
		if deleteErr != nil {
			s.log.Error("Failed to remove unqueued job '%s': %v", job.ID, deleteErr)
		}

		return core.Job{}, fmt.Errorf("failed to enqueue job '%s': %w", job.ID, err)
	}

	return job, nil
}

// Job returns the current record for id.
func (s *Service) Job(ctx context.Context, id string) (core.Job, error) {
	start := time.Now()

	job, err := s.store.Get(ctx, id)

	s.observe(ComponentQuery, start, err)

	if err != nil {
		return core.Job{}, fmt.Errorf("failed to get job '%s': %w", id, err)
	}

	return job, nil
}

// Jobs lists jobs newest-first, optionally filtered by status. A zero status
// means no filter.
func (s *Service) Jobs(
	ctx context.Context,
	status core.JobStatus,
	limit, offset int,
) ([]core.Job, error) {
	start := time.Now()

	if status != "" && !status.Valid() {
		err := fmt.Errorf("%w: unknown status '%s'", core.ErrValidation, status)

		s.observe(ComponentQuery, start, err)

		return nil, err
	}

	jobs, err := s.store.List(ctx, status, limit, offset)

	s.observe(ComponentQuery, start, err)

	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// Cancel requests cancellation of a job. A PENDING job is cancelled
// immediately; a PROCESSING job is flagged and its worker stops
// cooperatively. The returned status is the job's status after the request.
func (s *Service) Cancel(ctx context.Context, id string) (core.JobStatus, error) {
	start := time.Now()

	status, err := s.store.RequestCancel(ctx, id)

	s.observe(ComponentCancel, start, err)

	if err != nil {
		return "", fmt.Errorf("failed to cancel job '%s': %w", id, err)
	}

	return status, nil
}

// Result returns the artifact bytes of a COMPLETED job. Any non-terminal or
// non-completed state yields core.ErrNotReady.
func (s *Service) Result(ctx context.Context, id string) ([]byte, error) {
	start := time.Now()

	data, err := s.result(ctx, id)

	s.observe(ComponentResult, start, err)

	return data, err
}

func (s *Service) result(ctx context.Context, id string) ([]byte, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job '%s': %w", id, err)
	}

	if job.Status != core.StatusCompleted {
		return nil, fmt.Errorf("%w: job '%s' is %s", core.ErrNotReady, id, job.Status)
	}

	data, err := s.artifacts.Download(ctx, job.ResultRef)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to download artifact '%s' of job '%s': %w",
			job.ResultRef, id, err,
		)
	}

	return data, nil
}

// Voices returns the supported voice identifiers, served from cache when
// fresh.
func (s *Service) Voices(ctx context.Context) []string {
	start := time.Now()

	if data, ok := s.cache.Get(ctx, voicesCacheKey); ok {
		var voices []string

		err := json.Unmarshal(data, &voices)
		if err == nil {
			s.observe(ComponentVoices, start, nil)

			return voices
		}

		s.log.Warn("Discarding undecodable cached voice list: %v", err)
		s.cache.Invalidate(ctx, voicesCacheKey)
	}

	voices := engine.Voices()

	data, err := json.Marshal(voices)
	if err == nil {
		s.cache.Set(ctx, voicesCacheKey, data, s.voicesTTL)
	}

	s.observe(ComponentVoices, start, nil)

	return voices
}

// Status reports component health, queue load, cache counters and the number
// of live rate-limit buckets.
func (s *Service) Status() Status {
	return Status{
		Components:  s.health.Snapshot(),
		Queue:       s.pool.Stats(),
		Cache:       s.cache.CacheStats(),
		RateBuckets: s.limiter.Size(),
	}
}

// RunCleanup triggers an out-of-band sweep of expired jobs, temp files and
// idle rate buckets, independent of the scheduler's own cadence.
func (s *Service) RunCleanup(ctx context.Context) cleanup.Report {
	start := time.Now()

	report := s.scheduler.Sweep(ctx)

	s.observe(ComponentCleanup, start, nil)

	return report
}

// observe feeds an operation outcome into the health recorder. core-level
// rejections (not found, validation, rate limit, not ready) are expected
// caller errors and count as successes for component health.
func (s *Service) observe(component string, start time.Time, err error) {
	if err != nil && !isCallerError(err) {
		s.health.RecordError(component, err)

		return
	}

	s.health.RecordSuccess(component, time.Since(start))
}

// requestMetadata flattens the submission into the job's opaque metadata so
// the record stays meaningful across restarts.
func requestMetadata(clientKey string, req core.GenerationRequest) map[string]string {
	metadata := map[string]string{
		"client_key": clientKey,
		"text":       req.Text,
		"voice":      req.Voice,
	}

	if req.Speed != 0 {
		metadata["speed"] = fmt.Sprintf("%.2f", req.Speed)
	}

	if req.ImagePath != "" {
		metadata["image_path"] = req.ImagePath
	}

	return metadata
}

func isCallerError(err error) bool {
	for _, expected := range []error{
		core.ErrNotFound,
		core.ErrValidation,
		core.ErrRateLimited,
		core.ErrNotReady,
		core.ErrInvalidTransition,
		core.ErrQueueFull,
	} {
		if errors.Is(err, expected) {
			return true
		}
	}

	return false
}
