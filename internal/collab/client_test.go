package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

func newClientWith(t *testing.T, env map[string]string) *Client {
	for _, key := range []string{"CONTENT_SERVICE_URL", "RENDER_SERVICE_URL", "PUBLISH_SERVICE_URL", "METRICS_SERVICE_URL"} {
		value, ok := env[key]
		if !ok {
			value = "http://localhost:1"
		}
		t.Setenv(key, value)
	}

	client, err := NewClient()
	require.NoError(t, err)
	return client
}

func TestNewClient_InvalidEndpoints(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"bad scheme", "ftp://example.com"},
		{"missing host", "http://"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONTENT_SERVICE_URL", tc.value)
			t.Setenv("RENDER_SERVICE_URL", "")
			t.Setenv("PUBLISH_SERVICE_URL", "")
			t.Setenv("METRICS_SERVICE_URL", "")

			_, err := NewClient()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "CONTENT_SERVICE_URL")
		})
	}
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "historian", req["persona"])
		assert.Equal(t, "rapid-fire", req["format"])

		json.NewEncoder(w).Encode(types.QuizContent{
			Questions: []types.QuizQuestion{{Prompt: "When did Rome fall?", Choices: []string{"476", "1453"}, Answer: 0}},
		})
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"CONTENT_SERVICE_URL": server.URL})

	job := &types.Job{ID: "job-1", Persona: "historian", Category: "history", Difficulty: "medium"}
	cfg := &types.PersonaConfig{Persona: "historian", Format: "rapid-fire", TimingProfile: "steady", AudioTrack: "calm"}

	content, err := client.Generate(context.Background(), job, cfg)
	require.NoError(t, err)
	assert.Equal(t, "job-1", content.JobID)
	require.Len(t, content.Questions, 1)
}

func TestGenerate_RejectionIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown persona/category combination", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"CONTENT_SERVICE_URL": server.URL})

	_, err := client.Generate(context.Background(), &types.Job{ID: "job-1"}, &types.PersonaConfig{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "content", se.Service)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Contains(t, se.Body, "unknown persona")
}

func TestRenderFrames_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "render workers saturated", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"RENDER_SERVICE_URL": server.URL})

	_, err := client.RenderFrames(context.Background(), &types.QuizContent{JobID: "job-1"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestAssemble(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assemble", r.URL.Path)
		json.NewEncoder(w).Encode(types.VideoArtifact{ObjectKey: "rendered/job-1.mp4", DurationSeconds: 41.5})
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"RENDER_SERVICE_URL": server.URL})

	video, err := client.Assemble(context.Background(), &types.FrameSet{JobID: "job-1", FrameKeys: []string{"f0"}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", video.JobID)
	assert.Equal(t, "rendered/job-1.mp4", video.ObjectKey)
}

func TestPublish(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/publish", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"published_id": "vid-42"})
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"PUBLISH_SERVICE_URL": server.URL})

	id, err := client.Publish(context.Background(), &types.VideoArtifact{JobID: "job-1"}, types.PublishMetadata{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "vid-42", id)
}

func TestPublish_EmptyIDRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"PUBLISH_SERVICE_URL": server.URL})

	_, err := client.Publish(context.Background(), &types.VideoArtifact{JobID: "job-1"}, types.PublishMetadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty published_id")
}

func TestFetchPerformance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/performance/vid-42", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(types.PerformanceMetrics{
			AccountID:      "acct-a",
			Format:         "rapid-fire",
			CompletionRate: 0.83,
		})
	}))
	defer server.Close()

	client := newClientWith(t, map[string]string{"METRICS_SERVICE_URL": server.URL})

	perf, err := client.FetchPerformance(context.Background(), "vid-42")
	require.NoError(t, err)
	assert.Equal(t, "vid-42", perf.PublishedID)
	assert.Equal(t, "acct-a", perf.AccountID)
	assert.InDelta(t, 0.83, perf.CompletionRate, 0.0001)
}

func TestFetchPerformance_Unreachable(t *testing.T) {
	client := newClientWith(t, map[string]string{"METRICS_SERVICE_URL": "http://127.0.0.1:1"})

	_, err := client.FetchPerformance(context.Background(), "vid-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	assert.False(t, IsPermanent(err))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&ServiceError{Service: "publish", StatusCode: 403}))
	assert.False(t, IsPermanent(&ServiceError{Service: "render", StatusCode: 500}))
	assert.False(t, IsPermanent(errors.New("connection refused")))
	assert.False(t, IsPermanent(nil))
}
