package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quizfeed/quiz-pipeline/internal/metrics"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// Driver defaults; each trigger invocation is a bounded unit of work
const (
	DefaultBatchSize  = 5
	DefaultWorkers    = 2
	DefaultJobTimeout = 60 * time.Second
)

// JobStore is the subset of store operations the driver needs
type JobStore interface {
	ClaimPendingJobs(ctx context.Context, step, limit int) ([]*types.Job, error)
	MarkStepSuccess(ctx context.Context, id, publishedID string) error
	MarkStepFailure(ctx context.Context, id, message string) error
	MarkStepTerminal(ctx context.Context, id, message string) error
}

// Driver claims pending jobs for a step and dispatches them to that step's
// processor. Every claimed job is resolved to success or failure before a
// trigger invocation returns.
type Driver struct {
	store      JobStore
	processors map[int]Processor
	batchSize  int
	workers    int
	jobTimeout time.Duration
}

// NewDriver creates a driver over the given store and step processors
func NewDriver(store JobStore, processors ...Processor) *Driver {
	byStep := make(map[int]Processor, len(processors))
	for _, p := range processors {
		byStep[p.Step()] = p
	}

	return &Driver{
		store:      store,
		processors: byStep,
		batchSize:  DefaultBatchSize,
		workers:    DefaultWorkers,
		jobTimeout: DefaultJobTimeout,
	}
}

// SetBatchSize overrides the per-trigger claim limit
func (d *Driver) SetBatchSize(n int) {
	if n > 0 {
		d.batchSize = n
	}
}

// SetJobTimeout overrides the per-job processing budget
func (d *Driver) SetJobTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.jobTimeout = timeout
	}
}

// RunStep executes one trigger invocation for the given step: claim a
// batch, process each claimed job with bounded parallelism, persist every
// transition
func (d *Driver) RunStep(ctx context.Context, step int) (*types.StepStats, error) {
	processor, ok := d.processors[step]
	if !ok {
		return nil, fmt.Errorf("no processor registered for step %d", step)
	}

	claimed, err := d.store.ClaimPendingJobs(ctx, step, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs for step %d: %w", step, err)
	}

	stats := &types.StepStats{Step: step, Claimed: len(claimed)}
	metrics.JobsClaimed.WithLabelValues(strconv.Itoa(step)).Add(float64(len(claimed)))
	if len(claimed) == 0 {
		return stats, nil
	}

	logrus.WithFields(logrus.Fields{
		"step":    step,
		"claimed": len(claimed),
	}).Info("Processing claimed jobs")

	jobCh := make(chan *types.Job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := d.workers
	if workers > len(claimed) {
		workers = len(claimed)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				outcome := d.processJob(ctx, processor, job)
				d.resolve(ctx, step, job, outcome)

				mu.Lock()
				switch outcome.Kind {
				case OutcomeSuccess:
					stats.Succeeded++
				case OutcomeTransient:
					stats.TransientFailures++
				case OutcomePermanent:
					stats.PermanentFailures++
				}
				mu.Unlock()
			}
		}()
	}

	for _, job := range claimed {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()

	return stats, nil
}

// processJob invokes the processor under the per-job time budget. A budget
// overrun counts as a transient failure so the job returns to pending.
func (d *Driver) processJob(ctx context.Context, processor Processor, job *types.Job) Outcome {
	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		done <- processor.Process(jobCtx, job)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-jobCtx.Done():
		return Transient(fmt.Errorf("step %d timed out after %s: %w", processor.Step(), d.jobTimeout, jobCtx.Err()))
	}
}

// resolve persists the outcome of a claimed job. Store writes use the
// trigger's context, not the per-job one, so a job timeout cannot leave
// the claim un-transitioned.
func (d *Driver) resolve(ctx context.Context, step int, job *types.Job, outcome Outcome) {
	stepLabel := strconv.Itoa(step)
	var err error

	switch outcome.Kind {
	case OutcomeSuccess:
		metrics.JobsProcessed.WithLabelValues(stepLabel, metrics.ResultSuccess).Inc()
		err = d.store.MarkStepSuccess(ctx, job.ID, outcome.PublishedID)
	case OutcomeTransient:
		metrics.JobsProcessed.WithLabelValues(stepLabel, metrics.ResultTransient).Inc()
		logrus.WithFields(logrus.Fields{
			"job_id": job.ID,
			"step":   step,
		}).WithError(outcome.Err).Warn("Step failed, returning job for retry")
		err = d.store.MarkStepFailure(ctx, job.ID, outcome.Err.Error())
	case OutcomePermanent:
		metrics.JobsProcessed.WithLabelValues(stepLabel, metrics.ResultPermanent).Inc()
		logrus.WithFields(logrus.Fields{
			"job_id": job.ID,
			"step":   step,
		}).WithError(outcome.Err).Error("Step failed permanently")
		err = d.store.MarkStepTerminal(ctx, job.ID, outcome.Err.Error())
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"job_id": job.ID,
			"step":   step,
		}).WithError(err).Error("Failed to persist job transition")
	}
}
