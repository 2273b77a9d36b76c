package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizfeed/quiz-pipeline/internal/storage"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

type stubProcessor struct {
	step int
	fn   func(ctx context.Context, job *types.Job) Outcome
}

func (p *stubProcessor) Step() int { return p.step }

func (p *stubProcessor) Process(ctx context.Context, job *types.Job) Outcome {
	return p.fn(ctx, job)
}

func succeedAlways(step int) *stubProcessor {
	return &stubProcessor{step: step, fn: func(context.Context, *types.Job) Outcome {
		return Succeed()
	}}
}

func newDriverStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})

	return store
}

// advanceTo walks a job to the pending phase of the target step
func advanceTo(t *testing.T, store *storage.Store, jobID string, targetStep int) {
	t.Helper()
	ctx := context.Background()

	for step := types.StepGenerate; step < targetStep; step++ {
		claimed, err := store.ClaimPendingJobs(ctx, step, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, store.MarkStepSuccess(ctx, jobID, ""))
	}
}

func TestRunStep_BatchAdvances(t *testing.T) {
	store := newDriverStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.CreateJob(ctx, "P", "science", "easy")
		require.NoError(t, err)
	}

	driver := NewDriver(store, succeedAlways(types.StepGenerate))
	driver.SetBatchSize(2)

	stats, err := driver.RunStep(ctx, types.StepGenerate)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 0, stats.TransientFailures)

	// Exactly two jobs advanced; one remains pending at step 1
	jobs, err := store.GetRecentJobs(ctx, 10)
	require.NoError(t, err)
	atStep2 := 0
	atStep1 := 0
	for _, job := range jobs {
		require.Equal(t, types.PhasePending, job.State.Phase)
		switch job.State.Step {
		case types.StepRender:
			atStep2++
		case types.StepGenerate:
			atStep1++
		}
	}
	assert.Equal(t, 2, atStep2)
	assert.Equal(t, 1, atStep1)
}

func TestRunStep_TransientFailure(t *testing.T) {
	store := newDriverStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "P", "science", "easy")
	require.NoError(t, err)

	driver := NewDriver(store, &stubProcessor{step: types.StepGenerate,
		fn: func(context.Context, *types.Job) Outcome {
			return Transient(errors.New("upstream overloaded"))
		}})

	stats, err := driver.RunStep(ctx, types.StepGenerate)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TransientFailures)

	current, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePending, current.State.Phase)
	assert.Equal(t, types.StepGenerate, current.State.Step)
	assert.Equal(t, 1, current.RetryCount)
	assert.Contains(t, current.ErrorMessage, "upstream overloaded")
}

func TestRunStep_PermanentFailure(t *testing.T) {
	store := newDriverStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "P", "science", "easy")
	require.NoError(t, err)

	driver := NewDriver(store, &stubProcessor{step: types.StepGenerate,
		fn: func(context.Context, *types.Job) Outcome {
			return Permanent(errors.New("invalid persona/category combination"))
		}})

	stats, err := driver.RunStep(ctx, types.StepGenerate)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PermanentFailures)

	current, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, current.State.Phase)
	assert.Equal(t, 0, current.RetryCount)
}

func TestRunStep_Timeout(t *testing.T) {
	store := newDriverStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "P", "science", "easy")
	require.NoError(t, err)
	advanceTo(t, store, job.ID, types.StepAssemble)

	driver := NewDriver(store, &stubProcessor{step: types.StepAssemble,
		fn: func(ctx context.Context, _ *types.Job) Outcome {
			<-ctx.Done()
			return Transient(ctx.Err())
		}})
	driver.SetJobTimeout(25 * time.Millisecond)

	stats, err := driver.RunStep(ctx, types.StepAssemble)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TransientFailures)

	// A timed-out step returns the job for retry at the same step
	current, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePending, current.State.Phase)
	assert.Equal(t, types.StepAssemble, current.State.Step)
	assert.Equal(t, 1, current.RetryCount)
	assert.Contains(t, current.ErrorMessage, "timed out")
}

func TestRunStep_PublishRecordsID(t *testing.T) {
	store := newDriverStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "P", "science", "easy")
	require.NoError(t, err)
	advanceTo(t, store, job.ID, types.StepPublish)

	driver := NewDriver(store, &stubProcessor{step: types.StepPublish,
		fn: func(context.Context, *types.Job) Outcome {
			return SucceedPublished("vid-789")
		}})

	stats, err := driver.RunStep(ctx, types.StepPublish)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, final.State.Phase)
	assert.Equal(t, "vid-789", final.PublishedID)
}

func TestRunStep_NoProcessor(t *testing.T) {
	store := newDriverStore(t)

	driver := NewDriver(store, succeedAlways(types.StepGenerate))

	_, err := driver.RunStep(context.Background(), types.StepPublish)
	assert.Error(t, err)
}

func TestRunStep_EmptyQueue(t *testing.T) {
	store := newDriverStore(t)

	driver := NewDriver(store, succeedAlways(types.StepGenerate))

	stats, err := driver.RunStep(context.Background(), types.StepGenerate)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 0, stats.Succeeded)
}
