// Package visionclient is the Vision Primitives Client: a single-call
// wrapper around the external vision provider with retry and circuit
// breaking. Structurally grounded in Lens/modules/core/pkg/aiclient's
// Client/invokeWithRetry/doInvoke split (circuit check -> invoke -> record
// outcome), generalized from "invoke an AI agent by topic" to "call the
// vision provider for a feature set", and transported over
// github.com/go-resty/resty/v2 instead of a hand-rolled HTTP agent
// router.
package visionclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/breaker"
	"github.com/parkvision/visionsvc/internal/logging"
	"github.com/parkvision/visionsvc/internal/metrics"
	"github.com/parkvision/visionsvc/internal/retry"
)

// Feature is one of the upstream capabilities the provider exposes.
type Feature string

const (
	FeatureLabel             Feature = "LABEL"
	FeatureObjectLocalization Feature = "OBJECT_LOCALIZATION"
	FeatureFace              Feature = "FACE"
	FeatureImageProperties   Feature = "IMAGE_PROPERTIES"
	FeatureSafeSearch        Feature = "SAFE_SEARCH"
)

// Likelihood mirrors the vision provider's coarse confidence bands for face
// attributes.
type Likelihood string

const (
	LikelihoodVeryUnlikely Likelihood = "VERY_UNLIKELY"
	LikelihoodUnlikely     Likelihood = "UNLIKELY"
	LikelihoodPossible     Likelihood = "POSSIBLE"
	LikelihoodLikely       Likelihood = "LIKELY"
	LikelihoodVeryLikely   Likelihood = "VERY_LIKELY"
)

// Label is one LABEL_DETECTION result entry.
type Label struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// BBox is a normalized [0,1] bounding box.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one OBJECT_LOCALIZATION result entry.
type Detection struct {
	ObjectID   string  `json:"object_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Landmark is a named facial landmark point, normalized [0,1].
type Landmark struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Face is one FACE result entry.
type Face struct {
	FaceID   string     `json:"face_id"`
	BBox     BBox       `json:"bbox"`
	Landmarks []Landmark `json:"landmarks"`
	Anger     Likelihood `json:"anger"`
	Joy       Likelihood `json:"joy"`
	Sorrow    Likelihood `json:"sorrow"`
	Surprise  Likelihood `json:"surprise"`
	Blurred   bool       `json:"blurred"`
	Headwear  bool       `json:"headwear"`
}

// DominantColor is one IMAGE_PROPERTIES palette entry.
type DominantColor struct {
	R, G, B float64
	PixelPct float64
}

// ImageProperties is the IMAGE_PROPERTIES result.
type ImageProperties struct {
	DominantColors []DominantColor `json:"dominant_colors"`
}

// PrimitiveBundle is a partial-result contract: the features that
// succeeded plus a per-feature error map for the ones that did not.
type PrimitiveBundle struct {
	Labels     []Label
	Detections []Detection
	Faces      []Face
	Properties *ImageProperties
	SafeSearch map[string]Likelihood

	Succeeded []Feature
	Errors    map[Feature]string
}

// Config configures the client.
type Config struct {
	Endpoint                string
	APIKey                  string
	Timeout                 time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerRecovery  time.Duration
}

const breakerKey = "vision"

// Client wraps the HTTP transport, retry policy, and circuit breaker around
// the vision provider.
type Client struct {
	http    *resty.Client
	breaker *breaker.Breaker
	policy  retry.Policy
}

// New builds a Client from cfg, defaulting zero fields to baseline values.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	threshold := cfg.CircuitBreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	recovery := cfg.CircuitBreakerRecovery
	if recovery == 0 {
		recovery = 60 * time.Second
	}

	h := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetRetryCount(0) // retries are handled by internal/retry, not resty's own

	return &Client{
		http:    h,
		breaker: breaker.New(threshold, recovery),
		policy:  retry.DefaultPolicy(),
	}
}

type annotateRequest struct {
	ImageBase64 string   `json:"image_base64"`
	Features    []string `json:"features"`
}

type annotateResponse struct {
	Labels          []Label          `json:"labels"`
	Detections      []Detection      `json:"detections"`
	Faces           []Face           `json:"faces"`
	ImageProperties *ImageProperties `json:"image_properties"`
	SafeSearch      map[string]Likelihood `json:"safe_search"`
	FeatureErrors   map[string]string     `json:"feature_errors"`
}

// Annotate calls the vision provider for the requested features, batched
// into a single upstream request. If the circuit is open the caller
// receives ServiceUnavailableError immediately without a network call.
func (c *Client) Annotate(ctx context.Context, imageBytes []byte, features []Feature) (*PrimitiveBundle, error) {
	if !c.breaker.Allow(breakerKey) {
		retryAfter := c.breaker.RetryAfterSeconds(breakerKey)
		metrics.VisionCircuitState.Set(1)
		return nil, apperrors.ServiceUnavailable("vision provider circuit open", retryAfter)
	}
	metrics.VisionCircuitState.Set(0)

	start := time.Now()
	reqFeatures := make([]string, 0, len(features))
	for _, f := range features {
		reqFeatures = append(reqFeatures, string(f))
	}

	body := annotateRequest{
		ImageBase64: encodeBase64(imageBytes),
		Features:    reqFeatures,
	}

	var parsed annotateResponse
	err := retry.Do(ctx, c.policy, apperrors.IsRetryable, func(ctx context.Context, attempt int) error {
		resp, reqErr := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&parsed).
			ForceContentType("application/json").
			Post("/v1/annotate")
		if reqErr != nil {
			return apperrors.VisionService("vision provider request failed", 0, reqErr)
		}
		if resp.StatusCode() >= 500 {
			return apperrors.VisionService(fmt.Sprintf("vision provider returned %d", resp.StatusCode()), 0, nil)
		}
		if resp.StatusCode() >= 400 {
			return apperrors.Processing("vision.annotate", map[string]any{"status": resp.StatusCode()}, nil)
		}
		return nil
	})

	metrics.VisionCallDuration.WithLabelValues(outcomeLabel(err)).Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		logging.Warnf("visionclient: annotate failed: %v", err)
		return nil, err
	}
	c.breaker.RecordSuccess(breakerKey)

	bundle := &PrimitiveBundle{
		Labels:     parsed.Labels,
		Detections: parsed.Detections,
		Faces:      parsed.Faces,
		Properties: parsed.ImageProperties,
		SafeSearch: parsed.SafeSearch,
		Errors:     map[Feature]string{},
	}
	for feature, msg := range parsed.FeatureErrors {
		bundle.Errors[Feature(feature)] = msg
	}
	for _, f := range features {
		if _, failed := bundle.Errors[f]; !failed {
			bundle.Succeeded = append(bundle.Succeeded, f)
		}
	}
	return bundle, nil
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
