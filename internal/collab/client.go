// Package collab provides HTTP clients for the external collaborators the
// pipeline depends on: content generation, frame rendering and assembly,
// publishing, and performance metrics.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// ServiceError is a non-2xx response from a collaborator. 4xx responses
// are permanent (bad input, auth or quota rejection); everything else is
// treated as transient.
type ServiceError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service returned %d: %s", e.Service, e.StatusCode, e.Body)
}

// IsPermanent reports whether err is a collaborator rejection that should
// not be retried
func IsPermanent(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500
	}
	return false
}

// Client calls the collaborator services over HTTP
type Client struct {
	contentURL string
	renderURL  string
	publishURL string
	metricsURL string
	httpClient *http.Client
}

// NewClient creates a collaborator client from environment configuration
func NewClient() (*Client, error) {
	endpoints := map[string]string{
		"CONTENT_SERVICE_URL": "http://localhost:8091",
		"RENDER_SERVICE_URL":  "http://localhost:8092",
		"PUBLISH_SERVICE_URL": "http://localhost:8093",
		"METRICS_SERVICE_URL": "http://localhost:8094",
	}

	resolved := make(map[string]string, len(endpoints))
	for env, fallback := range endpoints {
		endpoint := os.Getenv(env)
		if endpoint == "" {
			endpoint = fallback
		}

		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid %s '%s': %w", env, endpoint, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("invalid %s scheme '%s': must be http or https", env, u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid %s '%s': missing hostname", env, endpoint)
		}

		resolved[env] = endpoint
	}

	logrus.WithFields(logrus.Fields{
		"content_url": resolved["CONTENT_SERVICE_URL"],
		"render_url":  resolved["RENDER_SERVICE_URL"],
		"publish_url": resolved["PUBLISH_SERVICE_URL"],
		"metrics_url": resolved["METRICS_SERVICE_URL"],
	}).Info("Configured collaborator endpoints")

	return &Client{
		contentURL: resolved["CONTENT_SERVICE_URL"],
		renderURL:  resolved["RENDER_SERVICE_URL"],
		publishURL: resolved["PUBLISH_SERVICE_URL"],
		metricsURL: resolved["METRICS_SERVICE_URL"],
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Generate produces quiz content for a job using the persona's current
// configuration
func (c *Client) Generate(ctx context.Context, job *types.Job, cfg *types.PersonaConfig) (*types.QuizContent, error) {
	req := struct {
		JobID         string `json:"job_id"`
		Persona       string `json:"persona"`
		Category      string `json:"category"`
		Difficulty    string `json:"difficulty"`
		Format        string `json:"format"`
		TimingProfile string `json:"timing_profile"`
		AudioTrack    string `json:"audio_track"`
	}{
		JobID:         job.ID,
		Persona:       job.Persona,
		Category:      job.Category,
		Difficulty:    job.Difficulty,
		Format:        cfg.Format,
		TimingProfile: cfg.TimingProfile,
		AudioTrack:    cfg.AudioTrack,
	}

	content := &types.QuizContent{}
	if err := c.postJSON(ctx, "content", c.contentURL+"/v1/generate", req, content); err != nil {
		return nil, err
	}
	content.JobID = job.ID

	return content, nil
}

// RenderFrames produces a frame set from generated content
func (c *Client) RenderFrames(ctx context.Context, content *types.QuizContent) (*types.FrameSet, error) {
	frames := &types.FrameSet{}
	if err := c.postJSON(ctx, "render", c.renderURL+"/v1/frames", content, frames); err != nil {
		return nil, err
	}
	frames.JobID = content.JobID

	return frames, nil
}

// Assemble encodes a frame set into a single video artifact
func (c *Client) Assemble(ctx context.Context, frames *types.FrameSet) (*types.VideoArtifact, error) {
	video := &types.VideoArtifact{}
	if err := c.postJSON(ctx, "render", c.renderURL+"/v1/assemble", frames, video); err != nil {
		return nil, err
	}
	video.JobID = frames.JobID

	return video, nil
}

// Publish uploads an assembled video and returns the platform's published
// video id
func (c *Client) Publish(ctx context.Context, video *types.VideoArtifact, meta types.PublishMetadata) (string, error) {
	req := struct {
		Video    *types.VideoArtifact  `json:"video"`
		Metadata types.PublishMetadata `json:"metadata"`
	}{Video: video, Metadata: meta}

	var resp struct {
		PublishedID string `json:"published_id"`
	}
	if err := c.postJSON(ctx, "publish", c.publishURL+"/v1/publish", req, &resp); err != nil {
		return "", err
	}
	if resp.PublishedID == "" {
		return "", fmt.Errorf("publish service returned empty published_id")
	}

	return resp.PublishedID, nil
}

// FetchPerformance retrieves performance metrics for a published video
func (c *Client) FetchPerformance(ctx context.Context, publishedID string) (*types.PerformanceMetrics, error) {
	endpoint := c.metricsURL + "/v1/performance/" + url.PathEscape(publishedID)

	metrics := &types.PerformanceMetrics{}
	if err := c.getJSON(ctx, "metrics", endpoint, metrics); err != nil {
		return nil, err
	}
	metrics.PublishedID = publishedID

	return metrics, nil
}

func (c *Client) postJSON(ctx context.Context, service, endpoint string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(service, req, out)
}

func (c *Client) getJSON(ctx context.Context, service, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", service, err)
	}

	return c.do(service, req, out)
}

func (c *Client) do(service string, req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s service unreachable: %w", service, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(body)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", service, err)
	}

	return nil
}
