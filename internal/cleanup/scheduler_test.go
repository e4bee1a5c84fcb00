// Package cleanup_test tests the maintenance sweep and its isolation between
// sub-tasks.
package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/avatar-service/internal/cleanup"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/jobstore"
	"github.com/book-expert/avatar-service/internal/ratelimit"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "cleanup-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newJobStore(t *testing.T) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestSweepDeletesOldTerminalJobs(t *testing.T) {
	t.Parallel()

	store := newJobStore(t)
	ctx := context.Background()

	old, err := store.Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, old.ID))
	require.NoError(t, store.Complete(ctx, old.ID, "out/old.wav"))

	time.Sleep(20 * time.Millisecond)

	scheduler := cleanup.New(cleanup.Config{
		JobRetention: 10 * time.Millisecond,
	}, store, nil, newTestLogger(t))

	report := scheduler.Sweep(ctx)
	assert.EqualValues(t, 1, report.JobsDeleted)

	_, err = store.Get(ctx, old.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestSweepRemovesStaleTempFiles(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()

	stale := filepath.Join(tempDir, "temp_audio_old.wav")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))

	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, oldTime, oldTime))

	fresh := filepath.Join(tempDir, "temp_audio_new.wav")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))

	// Subdirectories are never touched.
	require.NoError(t, os.Mkdir(filepath.Join(tempDir, "keep"), 0o750))

	scheduler := cleanup.New(cleanup.Config{
		TempDir:        tempDir,
		TempFileMaxAge: time.Hour,
	}, newJobStore(t), nil, newTestLogger(t))

	report := scheduler.Sweep(context.Background())
	assert.Equal(t, 1, report.TempFilesRemoved)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestSweepMissingTempDirIsHarmless(t *testing.T) {
	t.Parallel()

	scheduler := cleanup.New(cleanup.Config{
		TempDir: filepath.Join(t.TempDir(), "does-not-exist"),
	}, newJobStore(t), nil, newTestLogger(t))

	report := scheduler.Sweep(context.Background())
	assert.Zero(t, report.TempFilesRemoved)
}

func TestSweepDropsDecayedRateBuckets(t *testing.T) {
	t.Parallel()

	clock := struct {
		now time.Time
	}{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: 60,
		Burst:     1,
		Enabled:   true,
		Clock:     func() time.Time { return clock.now },
	})

	_, _ = limiter.Allow("one-off-client")
	require.Equal(t, 1, limiter.Size())

	clock.now = clock.now.Add(2 * time.Hour)

	scheduler := cleanup.New(cleanup.Config{
		BucketIdleAge: time.Hour,
	}, newJobStore(t), limiter, newTestLogger(t))

	report := scheduler.Sweep(context.Background())
	assert.Equal(t, 1, report.BucketsDropped)
	assert.Equal(t, 0, limiter.Size())
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	scheduler := cleanup.New(cleanup.Config{
		Interval: 10 * time.Millisecond,
		TempDir:  t.TempDir(),
	}, newJobStore(t), nil, newTestLogger(t))

	scheduler.Start()
	time.Sleep(35 * time.Millisecond)
	scheduler.Stop()

	// Stop is idempotent.
	scheduler.Stop()
}
