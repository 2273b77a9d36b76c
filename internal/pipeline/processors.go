package pipeline

import (
	"context"
	"fmt"

	"github.com/quizfeed/quiz-pipeline/internal/artifacts"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// ConfigSource supplies persona configurations to the generation step
type ConfigSource interface {
	EnsurePersonaConfig(ctx context.Context, persona string) (*types.PersonaConfig, error)
}

// ContentGenerator is the external content-generation collaborator
type ContentGenerator interface {
	Generate(ctx context.Context, job *types.Job, cfg *types.PersonaConfig) (*types.QuizContent, error)
}

// Renderer is the external rendering collaborator
type Renderer interface {
	RenderFrames(ctx context.Context, content *types.QuizContent) (*types.FrameSet, error)
	Assemble(ctx context.Context, frames *types.FrameSet) (*types.VideoArtifact, error)
}

// Publisher is the external publishing collaborator
type Publisher interface {
	Publish(ctx context.Context, video *types.VideoArtifact, meta types.PublishMetadata) (string, error)
}

// ArtifactStore carries step outputs between steps
type ArtifactStore interface {
	PutJSON(ctx context.Context, key string, v interface{}) error
	GetJSON(ctx context.Context, key string, v interface{}) error
}

// GenerateProcessor runs step 1: produce quiz content from the persona's
// current configuration
type GenerateProcessor struct {
	configs   ConfigSource
	generator ContentGenerator
	artifacts ArtifactStore
}

// NewGenerateProcessor creates the step 1 processor
func NewGenerateProcessor(configs ConfigSource, generator ContentGenerator, store ArtifactStore) *GenerateProcessor {
	return &GenerateProcessor{configs: configs, generator: generator, artifacts: store}
}

// Step returns the pipeline step this processor owns
func (p *GenerateProcessor) Step() int { return types.StepGenerate }

// Process generates content and stores it as the step artifact
func (p *GenerateProcessor) Process(ctx context.Context, job *types.Job) Outcome {
	cfg, err := p.configs.EnsurePersonaConfig(ctx, job.Persona)
	if err != nil {
		return Transient(fmt.Errorf("failed to load persona config: %w", err))
	}

	content, err := p.generator.Generate(ctx, job, cfg)
	if err != nil {
		// Invalid persona/category combinations come back as rejections
		return classify(err)
	}

	if err := p.artifacts.PutJSON(ctx, artifacts.ContentKey(job.ID), content); err != nil {
		return Transient(err)
	}

	return Succeed()
}

// RenderProcessor runs step 2: render the frame set for generated content
type RenderProcessor struct {
	renderer  Renderer
	artifacts ArtifactStore
}

// NewRenderProcessor creates the step 2 processor
func NewRenderProcessor(renderer Renderer, store ArtifactStore) *RenderProcessor {
	return &RenderProcessor{renderer: renderer, artifacts: store}
}

// Step returns the pipeline step this processor owns
func (p *RenderProcessor) Step() int { return types.StepRender }

// Process renders frames from the step 1 artifact
func (p *RenderProcessor) Process(ctx context.Context, job *types.Job) Outcome {
	content := &types.QuizContent{}
	if err := p.artifacts.GetJSON(ctx, artifacts.ContentKey(job.ID), content); err != nil {
		return Transient(err)
	}

	frames, err := p.renderer.RenderFrames(ctx, content)
	if err != nil {
		return classify(err)
	}

	if err := p.artifacts.PutJSON(ctx, artifacts.FramesKey(job.ID), frames); err != nil {
		return Transient(err)
	}

	return Succeed()
}

// AssembleProcessor runs step 3: assemble frames into a single video
type AssembleProcessor struct {
	renderer  Renderer
	artifacts ArtifactStore
}

// NewAssembleProcessor creates the step 3 processor
func NewAssembleProcessor(renderer Renderer, store ArtifactStore) *AssembleProcessor {
	return &AssembleProcessor{renderer: renderer, artifacts: store}
}

// Step returns the pipeline step this processor owns
func (p *AssembleProcessor) Step() int { return types.StepAssemble }

// Process assembles the video from the step 2 frame manifest
func (p *AssembleProcessor) Process(ctx context.Context, job *types.Job) Outcome {
	frames := &types.FrameSet{}
	if err := p.artifacts.GetJSON(ctx, artifacts.FramesKey(job.ID), frames); err != nil {
		return Transient(err)
	}

	video, err := p.renderer.Assemble(ctx, frames)
	if err != nil {
		return classify(err)
	}

	if err := p.artifacts.PutJSON(ctx, artifacts.VideoKey(job.ID), video); err != nil {
		return Transient(err)
	}

	return Succeed()
}

// PublishProcessor runs step 4: upload the assembled video
type PublishProcessor struct {
	publisher Publisher
	artifacts ArtifactStore
}

// NewPublishProcessor creates the step 4 processor
func NewPublishProcessor(publisher Publisher, store ArtifactStore) *PublishProcessor {
	return &PublishProcessor{publisher: publisher, artifacts: store}
}

// Step returns the pipeline step this processor owns
func (p *PublishProcessor) Step() int { return types.StepPublish }

// Process publishes the step 3 video artifact. Quota and auth rejections
// are permanent; network errors are transient.
func (p *PublishProcessor) Process(ctx context.Context, job *types.Job) Outcome {
	video := &types.VideoArtifact{}
	if err := p.artifacts.GetJSON(ctx, artifacts.VideoKey(job.ID), video); err != nil {
		return Transient(err)
	}

	meta := types.PublishMetadata{
		Title:    fmt.Sprintf("%s quiz: %s (%s)", job.Persona, job.Category, job.Difficulty),
		Persona:  job.Persona,
		Category: job.Category,
	}

	publishedID, err := p.publisher.Publish(ctx, video, meta)
	if err != nil {
		return classify(err)
	}

	return SucceedPublished(publishedID)
}
