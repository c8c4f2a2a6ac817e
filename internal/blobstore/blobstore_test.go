package blobstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtForKnownMimeTypes(t *testing.T) {
	assert.Equal(t, "jpg", extFor("image/jpeg"))
	assert.Equal(t, "png", extFor("image/png"))
	assert.Equal(t, "webp", extFor("image/webp"))
	assert.Equal(t, "bin", extFor("application/octet-stream"))
}

func TestOriginalKeyAndAnnotatedKeyLayout(t *testing.T) {
	assert.Equal(t, "images/abc123.png", originalKey("abc123", "png"))
	assert.Equal(t, "annotated/xyz.jpg", AnnotatedKey("xyz", "jpg"))
}

func TestURLForUsesPublicBaseURLWhenSet(t *testing.T) {
	s := &Store{bucket: "park-images", cfg: Config{PublicBaseURL: "https://cdn.example.com/"}}
	assert.Equal(t, "https://cdn.example.com/images/h.png", s.urlFor("images/h.png"))
}

func TestURLForFallsBackToEndpointScheme(t *testing.T) {
	s := &Store{bucket: "park-images", cfg: Config{Endpoint: "minio.local:9000", UseSSL: true}}
	assert.Equal(t, "https://minio.local:9000/park-images/images/h.png", s.urlFor("images/h.png"))
}

func TestIsTransientNilIsFalse(t *testing.T) {
	assert.False(t, isTransient(nil))
}

func TestIsTransientConnectionErrorsAreRetryable(t *testing.T) {
	assert.True(t, isTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransient(errors.New("context deadline exceeded: timeout")))
}
