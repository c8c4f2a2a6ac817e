// Package blobstore is the Blob Store Adapter: Put/Get/Delete of pixel
// blobs keyed by content hash against an S3-compatible object store. Adapted
// from Lens/modules/core/pkg/snapshot's S3Store, generalized from snapshot
// file bundles to single-object image/annotation blobs, and wrapped with the
// retry policy from internal/retry for transient transport classes.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/retry"
)

// Config configures the adapter's target bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// PublicBaseURL, if set, is prefixed onto object keys to build the
	// client-visible blob_url; otherwise a bucket-relative URL is synthesized.
	PublicBaseURL string
}

// Store wraps a minio.Client scoped to a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	cfg    Config
	policy retry.Policy
}

// New connects to the configured endpoint and ensures the bucket exists,
// mirroring NewS3Store's ensure-bucket-exists behavior.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: create client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("blobstore: create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Store{client: client, bucket: cfg.Bucket, cfg: cfg, policy: retry.DefaultPolicy()}, nil
}

// originalKey is the object name for an uploaded image.
func originalKey(imageHash, ext string) string {
	return fmt.Sprintf("images/%s.%s", imageHash, ext)
}

// AnnotatedKey is the object name for a rendered annotation.
func AnnotatedKey(annotationID, ext string) string {
	return fmt.Sprintf("annotated/%s.%s", annotationID, ext)
}

// Put uploads data under images/{hash}.{ext} (ext derived from mime) and
// returns the canonical URL. Idempotent: re-Put of the same hash is a no-op
// that returns the existing object's URL.
func (s *Store) Put(ctx context.Context, hash string, data []byte, mime string) (string, error) {
	ext := extFor(mime)
	key := originalKey(hash, ext)
	return s.putObject(ctx, key, data, mime)
}

// PutAnnotated uploads a rendered annotation under annotated/{id}.{ext}.
func (s *Store) PutAnnotated(ctx context.Context, annotationID string, data []byte, mime string) (string, error) {
	ext := extFor(mime)
	key := AnnotatedKey(annotationID, ext)
	return s.putObject(ctx, key, data, mime)
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, mime string) (string, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return s.urlFor(key), nil
	}

	err := retry.Do(ctx, s.policy, isTransient, func(ctx context.Context, attempt int) error {
		reader := bytes.NewReader(data)
		_, putErr := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
			ContentType: mime,
		})
		return putErr
	})
	if err != nil {
		return "", apperrors.Storage(fmt.Sprintf("put %s", key), err)
	}
	return s.urlFor(key), nil
}

// Get downloads the blob stored under images/{hash}.* — ext is required
// since object keys are hash+ext, not hash alone.
func (s *Store) Get(ctx context.Context, hash, ext string) ([]byte, error) {
	key := originalKey(hash, ext)
	return s.getObject(ctx, key)
}

// GetAnnotated downloads a previously rendered annotation.
func (s *Store) GetAnnotated(ctx context.Context, annotationID, ext string) ([]byte, error) {
	return s.getObject(ctx, AnnotatedKey(annotationID, ext))
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	data, err := retry.DoWithResult(ctx, s.policy, isTransient, func(ctx context.Context, attempt int) ([]byte, error) {
		obj, getErr := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if getErr != nil {
			return nil, getErr
		}
		defer obj.Close()
		return io.ReadAll(obj)
	})
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return nil, apperrors.ImageNotFound(key)
		}
		return nil, apperrors.Storage(fmt.Sprintf("get %s", key), err)
	}
	return data, nil
}

// Delete removes every object whose key has the given hash as its basename
// (covers both the original and, if present, nothing else — annotated
// renders are addressed by annotation_id and deleted separately by callers
// that know the id).
func (s *Store) Delete(ctx context.Context, hash string) error {
	for _, ext := range knownExts {
		key := originalKey(hash, ext)
		err := retry.Do(ctx, s.policy, isTransient, func(ctx context.Context, attempt int) error {
			return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		})
		if err != nil {
			if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
				continue
			}
			return apperrors.Storage(fmt.Sprintf("delete %s", key), err)
		}
	}
	return nil
}

func (s *Store) urlFor(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key
	}
	scheme := "http"
	if s.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Endpoint, s.bucket, key)
}

var knownExts = []string{"jpg", "png", "gif", "bmp", "webp"}

func extFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/bmp":
		return "bmp"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}

// isTransient classifies the minio/network error classes treated as
// retryable: connection failures, 5xx, and timeouts.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.Code {
	case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable":
		return true
	}
	return strings.Contains(err.Error(), "connection") || strings.Contains(err.Error(), "timeout")
}
