// Package pipeline contains the four step processors and the driver that
// advances jobs through them on each external trigger.
package pipeline

import (
	"context"

	"github.com/quizfeed/quiz-pipeline/internal/collab"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// OutcomeKind classifies the result of one processor invocation
type OutcomeKind int

const (
	// OutcomeSuccess advances the job to the next step (or completes it)
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient returns the job to pending for retry
	OutcomeTransient
	// OutcomePermanent terminally fails the job, bypassing retry
	OutcomePermanent
)

// Outcome is the typed result a processor reports to the driver. Processors
// never mutate store state themselves; the driver persists the transition.
type Outcome struct {
	Kind        OutcomeKind
	PublishedID string
	Err         error
}

// Succeed builds a success outcome
func Succeed() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// SucceedPublished builds a success outcome carrying the published video id
func SucceedPublished(publishedID string) Outcome {
	return Outcome{Kind: OutcomeSuccess, PublishedID: publishedID}
}

// Transient builds a retryable failure outcome
func Transient(err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Err: err}
}

// Permanent builds a terminal failure outcome
func Permanent(err error) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: err}
}

// classify maps a collaborator error to an outcome: 4xx rejections are
// permanent, transport and 5xx errors are transient
func classify(err error) Outcome {
	if collab.IsPermanent(err) {
		return Permanent(err)
	}
	return Transient(err)
}

// Processor executes one pipeline step against a claimed job
type Processor interface {
	Step() int
	Process(ctx context.Context, job *types.Job) Outcome
}
