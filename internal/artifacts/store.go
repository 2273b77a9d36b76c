// Package artifacts provides MinIO-backed storage for the payloads each
// pipeline step hands to the next: generated content, frame manifests and
// assembled video references.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// Object key layout, one prefix per producing step
const (
	contentPrefix = "content/"
	framesPrefix  = "frames/"
	videosPrefix  = "videos/"
)

// ContentKey returns the object key for a job's generated quiz content
func ContentKey(jobID string) string { return contentPrefix + jobID + ".json" }

// FramesKey returns the object key for a job's frame manifest
func FramesKey(jobID string) string { return framesPrefix + jobID + ".json" }

// VideoKey returns the object key for a job's assembled video reference
func VideoKey(jobID string) string { return videosPrefix + jobID + ".json" }

// Store handles artifact persistence in object storage
type Store struct {
	minioClient *minio.Client
	bucket      string
}

// NewStore creates an artifact store from environment configuration
func NewStore() (*Store, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	if accessKey == "" {
		accessKey = os.Getenv("MINIO_ACCESS_KEY_ID")
	}

	secretKey := os.Getenv("MINIO_SECRET_KEY")
	if secretKey == "" {
		secretKey = os.Getenv("MINIO_SECRET_ACCESS_KEY")
	}

	if accessKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY or MINIO_ACCESS_KEY_ID environment variable is required")
	}
	if secretKey == "" {
		return nil, fmt.Errorf("MINIO_SECRET_KEY or MINIO_SECRET_ACCESS_KEY environment variable is required")
	}

	bucket := os.Getenv("ARTIFACT_BUCKET")
	if bucket == "" {
		bucket = "quiz-pipeline-artifacts"
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': %w (expected format: https://hostname:port)", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': missing hostname", endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": u.Host,
		"bucket":   bucket,
	}).Info("Initialized artifact store")

	return &Store{
		minioClient: minioClient,
		bucket:      bucket,
	}, nil
}

// PutJSON stores v as a JSON object under key
func (s *Store) PutJSON(ctx context.Context, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", key, err)
	}

	_, err = s.minioClient.PutObject(ctx, s.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", key, err)
	}

	return nil
}

// GetJSON loads the JSON object under key into v
func (s *Store) GetJSON(ctx context.Context, key string, v interface{}) error {
	obj, err := s.minioClient.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to fetch artifact %s: %w", key, err)
	}
	defer func() {
		if closeErr := obj.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close artifact object")
		}
	}()

	if err := json.NewDecoder(obj).Decode(v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", key, err)
	}

	return nil
}

// Delete removes a stored artifact. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.minioClient.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}
	return nil
}
