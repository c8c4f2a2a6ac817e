package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkvision/visionsvc/internal/apperrors"
)

func TestBatchAnalyzePartialFailureIsolatesPeers(t *testing.T) {
	o := New(4)
	compute := func(ctx context.Context, job Job) ([]byte, bool, error) {
		if job.ImageHash == "missing" {
			return nil, false, apperrors.ImageNotFound(job.ImageHash)
		}
		return []byte("ok:" + job.ImageHash), false, nil
	}

	result := o.BatchAnalyze(context.Background(), []string{"h1", "missing", "h3"}, []string{"labels"}, nil, 4, compute)

	require.Equal(t, 3, result.Summary.Total)
	assert.Equal(t, 2, result.Summary.Success)
	assert.Equal(t, 1, result.Summary.Failed)

	byHash := map[string]ItemResult{}
	for _, item := range result.Items {
		byHash[item.ImageHash] = item
	}
	assert.Nil(t, byHash["h1"].Error)
	assert.Equal(t, []byte("ok:h1"), byHash["h1"].Artifact)
	require.NotNil(t, byHash["missing"].Error)
	assert.Equal(t, "IMAGE_NOT_FOUND", byHash["missing"].Error.Code)
	assert.Nil(t, byHash["h3"].Error)
}

func TestBatchAnalyzeCartesianProductAlignment(t *testing.T) {
	o := New(4)
	compute := func(ctx context.Context, job Job) ([]byte, bool, error) {
		return []byte(job.ImageHash + ":" + job.Kind), false, nil
	}
	result := o.BatchAnalyze(context.Background(), []string{"h1", "h2"}, []string{"labels", "faces"}, nil, 4, compute)
	assert.Equal(t, 4, result.Summary.Total)
	assert.Equal(t, 4, result.Summary.Success)
}

func TestBatchAnalyzeRetriesTransientErrors(t *testing.T) {
	o := New(2)
	var calls int32
	compute := func(ctx context.Context, job Job) ([]byte, bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return nil, false, apperrors.ServiceUnavailable("transient", 1)
		}
		return []byte("recovered"), false, nil
	}
	o.itemRetryPolicy.BaseDelay = time.Millisecond
	o.itemRetryPolicy.MaxDelay = 5 * time.Millisecond

	result := o.BatchAnalyze(context.Background(), []string{"h1"}, []string{"labels"}, nil, 2, compute)
	assert.Equal(t, 1, result.Summary.Success)
	assert.Equal(t, []byte("recovered"), result.Items[0].Artifact)
}

func TestBatchAnalyzeValidationErrorIsTerminal(t *testing.T) {
	o := New(2)
	var calls int32
	compute := func(ctx context.Context, job Job) ([]byte, bool, error) {
		atomic.AddInt32(&calls, 1)
		return nil, false, apperrors.Validation("bad params")
	}
	result := o.BatchAnalyze(context.Background(), []string{"h1"}, []string{"labels"}, nil, 2, compute)
	assert.Equal(t, 1, result.Summary.Failed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "validation errors must not be retried")
}

func TestBatchAnalyzeReportsCacheHits(t *testing.T) {
	o := New(2)
	compute := func(ctx context.Context, job Job) ([]byte, bool, error) {
		return []byte("x"), true, nil
	}
	result := o.BatchAnalyze(context.Background(), []string{"h1", "h2"}, []string{"labels"}, nil, 2, compute)
	assert.Equal(t, 2, result.Summary.CacheHitCount)
}
