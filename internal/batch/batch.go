// Package batch is the Batch Orchestrator: fans analysis calls out
// across an image set x kind Cartesian product, aggregates partial
// failures, and retries transient per-item errors. Concurrency is grounded
// in the pack's errgroup-based fan-out (tweag-rules_img's cmd/push, which
// dispatches independent upload/load operations via
// errgroup.WithContext(ctx) + g.Go), generalized to a bounded pool via
// errgroup's SetLimit and with per-item errors swallowed before they reach
// the group so one job's failure never cancels its peers (per-item isolation
// requirement — g.Go returning an error would otherwise cancel the shared
// context for every other in-flight job).
package batch

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/retry"
)

// Job is one (image, kind) pair to analyze.
type Job struct {
	ImageHash string
	Kind      string
	Params    map[string]any
}

// ComputeFunc performs one job's analysis, returning the artifact bytes and
// whether it was served from cache. Callers wire this to a closure over
// cache.Cache.GetOrCompute plus whichever analyzer or renderer the job's
// kind needs, so duplicates across the batch collapse into single work.
type ComputeFunc func(ctx context.Context, job Job) (artifact []byte, fromCache bool, err error)

// ItemResult is one row of the aligned BatchResult.
type ItemResult struct {
	ImageHash string
	Kind      string
	Artifact  []byte
	FromCache bool
	Error     *ItemError
}

// ItemError is the per-item error record.
type ItemError struct {
	Code        string
	Message     string
	RetryHint   bool
}

// Summary aggregates a batch run's outcome counts.
type Summary struct {
	Total              int
	Success            int
	Failed             int
	PartialSuccessCount int
	CacheHitCount      int
	ProcessingTimeMs   int64
}

// Result is the aligned result of a batch run.
type Result struct {
	Items   []ItemResult
	Summary Summary
	Partial bool
}

// Orchestrator runs BatchAnalyze.
type Orchestrator struct {
	defaultConcurrency int
	itemRetryPolicy    retry.Policy
}

// New builds an Orchestrator. concurrencyLimit<=0 falls back to the
// default of min(32, 4*num_cpus).
func New(concurrencyLimit int) *Orchestrator {
	if concurrencyLimit <= 0 {
		concurrencyLimit = defaultConcurrency()
	}
	return &Orchestrator{
		defaultConcurrency: concurrencyLimit,
		itemRetryPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			Factor:      2,
			JitterPct:   25,
			MaxDelay:    10 * time.Second,
		},
	}
}

func defaultConcurrency() int {
	n := 4 * runtime.NumCPU()
	if n > 32 {
		return 32
	}
	return n
}

// BatchAnalyze runs one logical job per (image, kind), bounded
// concurrency, per-job retry + isolation, cooperative cancellation producing
// a partial result.
func (o *Orchestrator) BatchAnalyze(ctx context.Context, imageHashes []string, kinds []string, params map[string]any, concurrencyLimit int, compute ComputeFunc) *Result {
	start := time.Now()
	if concurrencyLimit <= 0 {
		concurrencyLimit = o.defaultConcurrency
	}

	jobs := make([]Job, 0, len(imageHashes)*len(kinds))
	for _, h := range imageHashes {
		for _, k := range kinds {
			jobs = append(jobs, Job{ImageHash: h, Kind: k, Params: params})
		}
	}

	results := make([]ItemResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyLimit)

	var cancelled int32
	var mu sync.Mutex
	var cacheHits int

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			select {
			case <-gctx.Done():
				mu.Lock()
				cancelled++
				mu.Unlock()
				results[i] = ItemResult{
					ImageHash: job.ImageHash,
					Kind:      job.Kind,
					Error:     &ItemError{Code: string(apperrors.CodeTimeout), Message: "batch cancelled before this item ran", RetryHint: true},
				}
				return nil
			default:
			}

			artifact, fromCache, err := o.runWithRetry(gctx, job, compute)
			if err != nil {
				results[i] = ItemResult{
					ImageHash: job.ImageHash,
					Kind:      job.Kind,
					Error:     toItemError(err),
				}
				return nil // isolated: never propagate to the errgroup
			}

			if fromCache {
				mu.Lock()
				cacheHits++
				mu.Unlock()
			}
			results[i] = ItemResult{ImageHash: job.ImageHash, Kind: job.Kind, Artifact: artifact, FromCache: fromCache}
			return nil
		})
	}

	_ = g.Wait() // per-item goroutines never return non-nil; only ctx cancellation matters here

	var success, failed int
	for _, r := range results {
		if r.Error != nil {
			failed++
		} else {
			success++
		}
	}

	partial := ctx.Err() != nil || cancelled > 0

	return &Result{
		Items: results,
		Summary: Summary{
			Total:               len(jobs),
			Success:             success,
			Failed:              failed,
			PartialSuccessCount: success,
			CacheHitCount:       cacheHits,
			ProcessingTimeMs:    time.Since(start).Milliseconds(),
		},
		Partial: partial,
	}
}

// runWithRetry wraps compute with the per-job retry policy: transient
// classes (ServiceUnavailableError, TimeoutError, VisionServiceError,
// StorageError) get up to 3 attempts; ValidationError/NotFound/
// ImageNotFound are terminal after the first occurrence.
func (o *Orchestrator) runWithRetry(ctx context.Context, job Job, compute ComputeFunc) ([]byte, bool, error) {
	type outcome struct {
		artifact  []byte
		fromCache bool
	}
	res, err := retry.DoWithResult(ctx, o.itemRetryPolicy, classify, func(ctx context.Context, attempt int) (outcome, error) {
		artifact, fromCache, err := compute(ctx, job)
		return outcome{artifact: artifact, fromCache: fromCache}, err
	})
	return res.artifact, res.fromCache, err
}

func classify(err error) bool {
	if apperrors.IsTerminal(err) {
		return false
	}
	return apperrors.IsRetryable(err)
}

func toItemError(err error) *ItemError {
	var ae *apperrors.Error
	if apperrors.As(err, &ae) {
		return &ItemError{Code: string(ae.Code), Message: ae.Message, RetryHint: apperrors.IsRetryable(err)}
	}
	return &ItemError{Code: string(apperrors.CodeProcessing), Message: err.Error()}
}
