package visionclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotateSuccessPopulatesBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(annotateResponse{
			Labels: []Label{{Description: "tree", Confidence: 0.9}},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	bundle, err := c.Annotate(context.Background(), []byte("fake-bytes"), []Feature{FeatureLabel})
	require.NoError(t, err)
	require.Len(t, bundle.Labels, 1)
	assert.Equal(t, "tree", bundle.Labels[0].Description)
	assert.Contains(t, bundle.Succeeded, FeatureLabel)
}

func TestAnnotatePartialResultContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(annotateResponse{
			Labels:        []Label{{Description: "sky", Confidence: 0.8}},
			FeatureErrors: map[string]string{"FACE": "upstream quota exceeded"},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	bundle, err := c.Annotate(context.Background(), []byte("x"), []Feature{FeatureLabel, FeatureFace})
	require.NoError(t, err)
	assert.ElementsMatch(t, []Feature{FeatureLabel}, bundle.Succeeded)
	assert.Equal(t, "upstream quota exceeded", bundle.Errors[FeatureFace])
}

func TestAnnotateRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(annotateResponse{Labels: []Label{{Description: "water", Confidence: 0.7}}})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	c.policy.BaseDelay = time.Millisecond
	c.policy.MaxDelay = 5 * time.Millisecond

	bundle, err := c.Annotate(context.Background(), []byte("x"), []Feature{FeatureLabel})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, bundle.Labels, 1)
}

func TestAnnotateCircuitOpensAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, CircuitBreakerThreshold: 2})
	c.policy.MaxAttempts = 1

	_, err1 := c.Annotate(context.Background(), []byte("x"), []Feature{FeatureLabel})
	require.Error(t, err1)
	_, err2 := c.Annotate(context.Background(), []byte("x"), []Feature{FeatureLabel})
	require.Error(t, err2)

	calls := 0
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	_, err3 := c.Annotate(context.Background(), []byte("x"), []Feature{FeatureLabel})
	require.Error(t, err3)
	assert.Equal(t, 0, calls, "circuit should be open, no network call made")
}
