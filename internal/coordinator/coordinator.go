// Package coordinator is the Request Coordinator: the per-request facade
// that walks the flow Received -> Validated -> KeyComputed -> CacheLookup ->
// {HIT | MISS->Compute->CachePut} -> Respond over the content-address store,
// blob store, vision client, result cache, nature analyzer, annotation
// renderer, and batch orchestrator, and is the only place that turns a
// domain error into the response envelope. Follows a validate-then-dispatch
// shape, with every operation returning a typed response rather than
// writing directly to a transport.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/parkvision/visionsvc/internal/annotate"
	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/batch"
	"github.com/parkvision/visionsvc/internal/cache"
	"github.com/parkvision/visionsvc/internal/cas"
	"github.com/parkvision/visionsvc/internal/logging"
	"github.com/parkvision/visionsvc/internal/metrics"
	"github.com/parkvision/visionsvc/internal/natureanalyzer"
	"github.com/parkvision/visionsvc/internal/visionclient"
)

// Envelope is the uniform response wrapper returned by every operation.
type Envelope struct {
	Success          bool            `json:"success"`
	FromCache        bool            `json:"from_cache"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *ErrorInfo      `json:"error,omitempty"`
	// Enabled is set to false when the vision client's circuit breaker is
	// open, so a caller can distinguish degraded mode from a plain failure
	// rather than retry immediately.
	Enabled *bool `json:"enabled,omitempty"`
}

// ErrorInfo is Envelope's error sub-object.
type ErrorInfo struct {
	Code              string         `json:"code"`
	Message           string         `json:"message"`
	Details           map[string]any `json:"details,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
}

// BlobReader is the narrow blobstore port the coordinator needs beyond what
// cas.BlobWriter already covers.
type BlobReader interface {
	Get(ctx context.Context, hash, ext string) ([]byte, error)
	PutAnnotated(ctx context.Context, annotationID string, data []byte, mime string) (string, error)
}

// MetadataLister is the narrow metadatastore port ListImages and the
// version-bump audit trail need, beyond cas.MetadataRepo.
type MetadataLister interface {
	ListImages(ctx context.Context, f ListFilter) (*ListPage, error)
	RecordVersionBump(ctx context.Context, kind string, oldVersion, newVersion int) error
}

// ListFilter / ListPage mirror internal/metadatastore's types structurally
// so this package does not need to import it directly (metadatastore already
// imports cas; coordinator importing metadatastore too would be fine, but
// keeping the port narrow avoids a needless transitive pgx dependency for
// callers that construct a Coordinator purely against fakes in tests).
type ListFilter struct {
	AfterImageHash string
	Limit          int
	MimeType       string
	UploadedAfter  time.Time
}

type ListPage struct {
	Records    []cas.ImageRecord
	NextCursor string
}

// Coordinator wires the content-address store, blob store, vision client,
// result cache, nature analyzer, and batch orchestrator together behind a
// flat operation surface. Rate limiting (internal/ratelimit) is a
// caller-identity concern that lives in internal/httpapi's middleware, ahead
// of the coordinator, since these operations carry no notion of which
// caller issued them.
type Coordinator struct {
	cas      *cas.Store
	blobs    BlobReader
	metadata MetadataLister
	vision   *visionclient.Client
	cache    *cache.Cache
	nature   *natureanalyzer.Analyzer
	batch    *batch.Orchestrator
}

// New builds a Coordinator from its already-constructed collaborators.
func New(casStore *cas.Store, blobs BlobReader, metadata MetadataLister, vision *visionclient.Client, resultCache *cache.Cache, nature *natureanalyzer.Analyzer, orchestrator *batch.Orchestrator) *Coordinator {
	return &Coordinator{
		cas:      casStore,
		blobs:    blobs,
		metadata: metadata,
		vision:   vision,
		cache:    resultCache,
		nature:   nature,
		batch:    orchestrator,
	}
}

// ---- UploadImage --------------------------------------------------------

// UploadResult is UploadImage's result shape.
type UploadResult struct {
	ImageHash      string             `json:"image_hash"`
	PerceptualHash string             `json:"perceptual_hash"`
	Status         cas.Status         `json:"status"`
	SimilarImages  []cas.SimilarMatch `json:"similar_images"`
}

// UploadImage ingests a new upload through the content-address store; there
// is no cache key in this path, since ingestion is its own dedup mechanism.
func (co *Coordinator) UploadImage(ctx context.Context, data []byte, filename, mime string) Envelope {
	start := time.Now()
	res, err := co.cas.Ingest(ctx, data, filename, mime)
	if err != nil {
		return co.errEnvelope(start, "upload_image", err)
	}
	return co.okEnvelope(start, "upload_image", false, UploadResult{
		ImageHash:      res.Record.ImageHash,
		PerceptualHash: res.Record.PerceptualHash,
		Status:         res.Status,
		SimilarImages:  res.Similar,
	})
}

// ---- GetImageInfo / ListImages / DeleteImage / CheckDuplicate ----------

// GetImageInfo returns the stored record for imageHash.
func (co *Coordinator) GetImageInfo(ctx context.Context, imageHash string) Envelope {
	start := time.Now()
	rec, err := co.cas.Lookup(ctx, imageHash)
	if err != nil {
		return co.errEnvelope(start, "get_image_info", err)
	}
	return co.okEnvelope(start, "get_image_info", false, rec)
}

// ListImages returns a cursor page of image records. When the coordinator
// was built without a MetadataLister (e.g. a unit test wiring only the
// content-address store), it returns a ProcessingError rather than
// panicking.
func (co *Coordinator) ListImages(ctx context.Context, f ListFilter) Envelope {
	start := time.Now()
	if co.metadata == nil {
		return co.errEnvelope(start, "list_images", apperrors.Processing("list_images", nil, nil))
	}
	page, err := co.metadata.ListImages(ctx, f)
	if err != nil {
		return co.errEnvelope(start, "list_images", apperrors.Storage("list_images", err))
	}
	return co.okEnvelope(start, "list_images", false, page)
}

// DeleteImage removes the blob, metadata, and every cache entry under
// imageHash.
func (co *Coordinator) DeleteImage(ctx context.Context, imageHash string) Envelope {
	start := time.Now()
	if err := co.cas.Delete(ctx, imageHash); err != nil {
		return co.errEnvelope(start, "delete_image", err)
	}
	co.cache.ClearForHash(ctx, imageHash)
	return co.okEnvelope(start, "delete_image", false, struct {
		OK bool `json:"ok"`
	}{true})
}

// CheckDuplicateResult is CheckDuplicate's result shape.
type CheckDuplicateResult struct {
	IsDuplicate   bool               `json:"is_duplicate"`
	ExactMatches  []cas.ImageRecord  `json:"exact_matches"`
	SimilarImages []cas.SimilarMatch `json:"similar_images"`
}

// CheckDuplicate reports the exact and near-duplicate matches for an
// already-ingested image, without re-ingesting it.
func (co *Coordinator) CheckDuplicate(ctx context.Context, imageHash string) Envelope {
	start := time.Now()
	rec, err := co.cas.Lookup(ctx, imageHash)
	if err != nil {
		return co.errEnvelope(start, "check_duplicate", err)
	}
	similar := co.cas.FindSimilar(ctx, rec.PerceptualHash, 0)
	filtered := make([]cas.SimilarMatch, 0, len(similar))
	for _, m := range similar {
		if m.Record.ImageHash != rec.ImageHash {
			filtered = append(filtered, m)
		}
	}
	return co.okEnvelope(start, "check_duplicate", false, CheckDuplicateResult{
		IsDuplicate:   false,
		ExactMatches:  []cas.ImageRecord{*rec},
		SimilarImages: filtered,
	})
}

// ---- Analyze -------------------------------------------------------------

// AnalyzeRequest is Analyze's input.
type AnalyzeRequest struct {
	ImageHash    string
	Kind         string // detect | faces | segment | extract
	Params       map[string]any
	ForceRefresh bool
}

// DetectionArtifact backs the "detect" kind.
type DetectionArtifact struct {
	Detections []visionclient.Detection `json:"detections"`
}

// FaceArtifact backs the "faces" kind.
type FaceArtifact struct {
	Faces []visionclient.Face `json:"faces"`
}

// SegmentArtifact backs the "segment" kind. The vision client has no
// dedicated segmentation feature, so this treats segment as a finer-grained
// pass of object localization plus the labels that annotate each region —
// a reasonable reading of "segment" given the primitives actually on offer.
type SegmentArtifact struct {
	Detections []visionclient.Detection `json:"detections"`
	Labels     []visionclient.Label     `json:"labels"`
}

// ExtractArtifact backs the "extract" kind, read the same way: the richest
// available primitive combination (labels + image properties + safe search)
// rather than raw detections, matching extract being the most expensive and
// most tightly keyed of the vision-primitive kinds.
type ExtractArtifact struct {
	Labels     []visionclient.Label          `json:"labels"`
	Properties *visionclient.ImageProperties `json:"properties,omitempty"`
	SafeSearch map[string]string             `json:"safe_search,omitempty"`
}

var kindFeatures = map[string][]visionclient.Feature{
	"detect":  {visionclient.FeatureObjectLocalization},
	"faces":   {visionclient.FeatureFace},
	"segment": {visionclient.FeatureObjectLocalization, visionclient.FeatureLabel},
	"extract": {visionclient.FeatureLabel, visionclient.FeatureImageProperties, visionclient.FeatureSafeSearch},
}

// Analyze runs the cache-then-compute flow for the vision-primitive kinds
// (detect/faces/segment/extract).
func (co *Coordinator) Analyze(ctx context.Context, req AnalyzeRequest) Envelope {
	start := time.Now()

	features, ok := kindFeatures[req.Kind]
	if !ok {
		return co.errEnvelope(start, "analyze", apperrors.Validation("unsupported analyze kind %q", req.Kind))
	}

	rec, err := co.cas.Lookup(ctx, req.ImageHash)
	if err != nil {
		return co.errEnvelope(start, "analyze", err)
	}

	key := co.keyFor(ctx, cache.Kind(req.Kind), rec.ImageHash, req.Params)

	compute := func(ctx context.Context) ([]byte, error) {
		return co.computeVisionArtifact(ctx, rec, req.Kind, features)
	}

	var (
		data      []byte
		fromCache bool
	)
	if req.ForceRefresh {
		data, err = compute(ctx)
		if err == nil {
			_ = co.cache.Put(ctx, key, data, 0)
		}
	} else {
		data, fromCache, err = co.cache.GetOrCompute(ctx, key, 0, compute)
	}

	if err != nil {
		env := co.errEnvelope(start, "analyze", err)
		if svcErr, ok2 := asServiceUnavailable(err); ok2 {
			disabled := false
			env.Enabled = &disabled
			env.Error.RetryAfterSeconds = svcErr.RetryAfterSecs
		}
		return env
	}
	return co.okEnvelopeRaw(start, "analyze", fromCache, data)
}

func (co *Coordinator) computeVisionArtifact(ctx context.Context, rec *cas.ImageRecord, kind string, features []visionclient.Feature) ([]byte, error) {
	imgBytes, err := co.blobs.Get(ctx, rec.ImageHash, cas.ExtensionFor(rec.MimeType))
	if err != nil {
		return nil, err
	}
	bundle, err := co.vision.Annotate(ctx, imgBytes, features)
	if err != nil {
		return nil, err
	}

	var artifact any
	switch kind {
	case "detect":
		artifact = DetectionArtifact{Detections: bundle.Detections}
	case "faces":
		artifact = FaceArtifact{Faces: bundle.Faces}
	case "segment":
		artifact = SegmentArtifact{Detections: bundle.Detections, Labels: bundle.Labels}
	case "extract":
		ss := make(map[string]string, len(bundle.SafeSearch))
		for k, v := range bundle.SafeSearch {
			ss[k] = string(v)
		}
		artifact = ExtractArtifact{Labels: bundle.Labels, Properties: bundle.Properties, SafeSearch: ss}
	default:
		return nil, apperrors.Validation("unsupported analyze kind %q", kind)
	}

	return json.Marshal(artifact)
}

// ---- AnalyzeNature -------------------------------------------------------

// NatureRequest is AnalyzeNature's input.
type NatureRequest struct {
	ImageHash           string
	Depth               string // basic | comprehensive
	IncludeHealth       bool
	IncludeSeasonal     bool
	IncludeColor        bool
	ConfidenceThreshold float64
}

// AnalyzeNature runs the cache-then-compute flow for the "nature" kind.
func (co *Coordinator) AnalyzeNature(ctx context.Context, req NatureRequest) Envelope {
	start := time.Now()

	if err := validateConfidenceThreshold(req.ConfidenceThreshold); err != nil {
		return co.errEnvelope(start, "analyze_nature", err)
	}

	rec, err := co.cas.Lookup(ctx, req.ImageHash)
	if err != nil {
		return co.errEnvelope(start, "analyze_nature", err)
	}

	params := map[string]any{
		"depth":                req.Depth,
		"include_health":       req.IncludeHealth,
		"include_seasonal":     req.IncludeSeasonal,
		"include_color":        req.IncludeColor,
		"confidence_threshold": req.ConfidenceThreshold,
	}
	key := co.keyFor(ctx, cache.KindNature, rec.ImageHash, params)

	data, fromCache, err := co.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]byte, error) {
		return co.computeNature(ctx, rec, req)
	})
	if err != nil {
		env := co.errEnvelope(start, "analyze_nature", err)
		if svcErr, ok := asServiceUnavailable(err); ok {
			disabled := false
			env.Enabled = &disabled
			env.Error.RetryAfterSeconds = svcErr.RetryAfterSecs
		}
		return env
	}
	return co.okEnvelopeRaw(start, "analyze_nature", fromCache, data)
}

func (co *Coordinator) computeNature(ctx context.Context, rec *cas.ImageRecord, req NatureRequest) ([]byte, error) {
	imgBytes, err := co.blobs.Get(ctx, rec.ImageHash, cas.ExtensionFor(rec.MimeType))
	if err != nil {
		return nil, err
	}
	bundle, err := co.vision.Annotate(ctx, imgBytes, []visionclient.Feature{visionclient.FeatureLabel, visionclient.FeatureImageProperties})
	if err != nil {
		return nil, err
	}

	analyzer := co.nature
	if req.ConfidenceThreshold > 0 {
		analyzer = natureanalyzer.New(req.ConfidenceThreshold, natureanalyzer.Weights{})
	}
	artifact := analyzer.Transform(bundle)

	if !req.IncludeHealth {
		artifact.VegetationHealth = natureanalyzer.VegetationHealth{}
	}
	if !req.IncludeSeasonal {
		artifact.Seasonal = natureanalyzer.Seasonal{}
	}
	if !req.IncludeColor {
		artifact.Colors = natureanalyzer.ColorAnalysis{}
	}

	return json.Marshal(artifact)
}

// ---- DownloadAnnotated ---------------------------------------------------

// DownloadAnnotatedRequest is DownloadAnnotated's input.
type DownloadAnnotatedRequest struct {
	ImageHash string
	Render    annotate.Request
}

// DownloadAnnotatedResult is DownloadAnnotated's result shape.
type DownloadAnnotatedResult struct {
	AnnotatedBlobURL string          `json:"annotated_blob_url"`
	Stats            annotate.Stats  `json:"stats"`
	Format           annotate.Format `json:"format"`
	SizeBytes        int             `json:"size_bytes"`
}

// DownloadAnnotated runs the cache-then-compute flow for the "annotate"
// kind. The cache fingerprint covers the full render request, including
// style, so two callers asking for visually different renders never
// collide on the same cached bytes.
func (co *Coordinator) DownloadAnnotated(ctx context.Context, req DownloadAnnotatedRequest) Envelope {
	start := time.Now()

	if err := validateAnnotateRequest(req.Render); err != nil {
		return co.errEnvelope(start, "download_annotated", err)
	}

	rec, err := co.cas.Lookup(ctx, req.ImageHash)
	if err != nil {
		return co.errEnvelope(start, "download_annotated", err)
	}

	params := renderParams(req.Render)
	key := co.keyFor(ctx, cache.KindAnnotate, rec.ImageHash, params)

	data, fromCache, err := co.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]byte, error) {
		return co.computeAnnotated(ctx, rec, req.Render)
	})
	if err != nil {
		env := co.errEnvelope(start, "download_annotated", err)
		if svcErr, ok := asServiceUnavailable(err); ok {
			disabled := false
			env.Enabled = &disabled
			env.Error.RetryAfterSeconds = svcErr.RetryAfterSecs
		}
		return env
	}
	return co.okEnvelopeRaw(start, "download_annotated", fromCache, data)
}

func (co *Coordinator) computeAnnotated(ctx context.Context, rec *cas.ImageRecord, req annotate.Request) ([]byte, error) {
	imgBytes, err := co.blobs.Get(ctx, rec.ImageHash, cas.ExtensionFor(rec.MimeType))
	if err != nil {
		return nil, err
	}
	src, _, decErr := image.Decode(bytes.NewReader(imgBytes))
	if decErr != nil {
		return nil, apperrors.Processing("download_annotated.decode", map[string]any{"image_hash": rec.ImageHash}, decErr)
	}

	var features []visionclient.Feature
	if req.IncludeBoxes || req.IncludeLabels {
		features = append(features, visionclient.FeatureObjectLocalization)
	}
	if req.IncludeFaces {
		features = append(features, visionclient.FeatureFace)
	}
	bundle, err := co.vision.Annotate(ctx, imgBytes, features)
	if err != nil {
		return nil, err
	}

	rendered, err := annotate.Render(src, bundle.Detections, bundle.Faces, req)
	if err != nil {
		return nil, err
	}

	annotationID := cas.NewAnnotationID()
	mime := mimeForFormat(rendered.Format)
	url, err := co.blobs.PutAnnotated(ctx, annotationID, rendered.Bytes, mime)
	if err != nil {
		return nil, apperrors.Storage("download_annotated.put", err)
	}

	result := DownloadAnnotatedResult{
		AnnotatedBlobURL: url,
		Stats:            rendered.Stats,
		Format:           rendered.Format,
		SizeBytes:        len(rendered.Bytes),
	}
	return json.Marshal(result)
}

func mimeForFormat(f annotate.Format) string {
	switch f {
	case annotate.FormatJPG:
		return "image/jpeg"
	case annotate.FormatWEBP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// renderParams flattens an annotate.Request into the map cache.Fingerprint
// hashes, covering every field that can affect the rendered bytes.
func renderParams(r annotate.Request) map[string]any {
	return map[string]any{
		"include_faces":        r.IncludeFaces,
		"include_boxes":        r.IncludeBoxes,
		"include_labels":       r.IncludeLabels,
		"format":               string(r.Format),
		"quality":              r.Quality,
		"confidence_threshold": r.ConfidenceThreshold,
		"max_objects":          r.MaxObjects,
		"style": map[string]any{
			"face_marker_color":  colorKey(r.Style.FaceMarkerColor),
			"face_marker_radius": r.Style.FaceMarkerRadius,
			"box_color":          colorKey(r.Style.BoxColor),
			"box_thickness":      r.Style.BoxThickness,
			"label_color":        colorKey(r.Style.LabelColor),
			"label_font_px":      r.Style.LabelFontPx,
			"connector_color":    colorKey(r.Style.ConnectorColor),
			"text_bg":            colorKey(r.Style.TextBG),
			"text_alpha":         r.Style.TextAlpha,
		},
	}
}

func colorKey(c interface{ RGBA() (r, g, b, a uint32) }) string {
	r, g, b, a := c.RGBA()
	return intKey(r) + ":" + intKey(g) + ":" + intKey(b) + ":" + intKey(a)
}

func intKey(v uint32) string {
	const hex = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hex[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// ---- BatchAnalyze ---------------------------------------------------------

// BatchRequest is BatchAnalyze's input.
type BatchRequest struct {
	ImageHashes      []string
	Kinds            []string
	Params           map[string]any
	ConcurrencyLimit int
}

// BatchAnalyze fans the (image, kind) Cartesian product out through the
// batch orchestrator, routing each job through cache.GetOrCompute so
// duplicates across the batch collapse into single work.
func (co *Coordinator) BatchAnalyze(ctx context.Context, req BatchRequest) Envelope {
	start := time.Now()

	compute := func(ctx context.Context, job batch.Job) ([]byte, bool, error) {
		rec, err := co.cas.Lookup(ctx, job.ImageHash)
		if err != nil {
			return nil, false, err
		}
		key := co.keyFor(ctx, cache.Kind(job.Kind), rec.ImageHash, job.Params)
		return co.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]byte, error) {
			return co.computeForKind(ctx, rec, job.Kind, job.Params)
		})
	}

	result := co.batch.BatchAnalyze(ctx, req.ImageHashes, req.Kinds, req.Params, req.ConcurrencyLimit, compute)
	metrics.BatchItemsProcessed.WithLabelValues("success").Add(float64(result.Summary.Success))
	metrics.BatchItemsProcessed.WithLabelValues("failed").Add(float64(result.Summary.Failed))

	return co.okEnvelope(start, "batch_analyze", result.Summary.CacheHitCount > 0, result)
}

// computeForKind dispatches a single (hash, kind) computation for both
// Analyze's vision-primitive kinds and the "nature"/"annotate" kinds, so
// BatchAnalyze can mix all six freely.
func (co *Coordinator) computeForKind(ctx context.Context, rec *cas.ImageRecord, kind string, params map[string]any) ([]byte, error) {
	switch kind {
	case "nature":
		req := NatureRequest{
			ImageHash:       rec.ImageHash,
			IncludeHealth:   true,
			IncludeSeasonal: true,
			IncludeColor:    true,
		}
		return co.computeNature(ctx, rec, req)
	case "annotate":
		return co.computeAnnotated(ctx, rec, annotate.Request{
			IncludeBoxes:  true,
			IncludeLabels: true,
			IncludeFaces:  true,
			Format:        annotate.FormatPNG,
			Style:         annotate.DefaultStyle(),
		})
	default:
		features, ok := kindFeatures[kind]
		if !ok {
			return nil, apperrors.Validation("unsupported batch kind %q", kind)
		}
		return co.computeVisionArtifact(ctx, rec, kind, features)
	}
}

// ---- InvalidateVersion / Stats / ClearCache ------------------------------

// InvalidateVersion bumps the version counter for kind, causing every
// cache key built under it to miss from here on. The old/new version pair is
// recorded to the metadata store's audit trail when a MetadataLister is
// wired, for diagnosing "why did my cache go cold" incidents; its absence
// (e.g. a unit test wiring only the content-address store) never fails the
// invalidation itself.
func (co *Coordinator) InvalidateVersion(ctx context.Context, kind string) Envelope {
	start := time.Now()
	newVersion, err := co.cache.InvalidateVersion(ctx, cache.Kind(kind))
	if err != nil {
		return co.errEnvelope(start, "invalidate_version", err)
	}
	if co.metadata != nil {
		if err := co.metadata.RecordVersionBump(ctx, kind, newVersion-1, newVersion); err != nil {
			logging.Warnf("invalidate_version: record audit row for %s: %v", kind, err)
		}
	}
	return co.okEnvelope(start, "invalidate_version", false, struct {
		Kind       string `json:"kind"`
		NewVersion int    `json:"new_version"`
	}{kind, newVersion})
}

// StatsResult is Stats's result shape.
type StatsResult struct {
	Cache cache.Stats `json:"cache"`
}

// Stats reports cache-wide and per-kind counters.
func (co *Coordinator) Stats(ctx context.Context) Envelope {
	start := time.Now()
	return co.okEnvelope(start, "stats", false, StatsResult{Cache: co.cache.Stats()})
}

// ClearCache removes cached entries. An empty imageHash clears the whole
// cache; a non-empty one scopes the clear to that image.
func (co *Coordinator) ClearCache(ctx context.Context, imageHash string) Envelope {
	start := time.Now()
	var removed int
	if imageHash == "" {
		removed = co.cache.Clear(ctx)
	} else {
		removed = co.cache.ClearForHash(ctx, imageHash)
	}
	return co.okEnvelope(start, "clear_cache", false, struct {
		Removed int `json:"removed"`
	}{removed})
}

// ---- validation ------------------------------------------------------------

// validateConfidenceThreshold enforces the Received -> Validated field range
// for any confidence_threshold field: 0 (the zero value, "unset") is allowed,
// as is any value in [0,1]; anything outside that range is rejected before a
// cache key is ever computed for it.
func validateConfidenceThreshold(v float64) error {
	if v < 0 || v > 1 {
		return apperrors.Validation("confidence_threshold must be within 0..1, got %v", v)
	}
	return nil
}

// validateAnnotateRequest enforces the Received -> Validated field ranges for
// a render request: format must be one of png/jpg/webp (or unset, meaning
// png), quality must be within 1..100 when given, confidence_threshold
// within 0..1.
func validateAnnotateRequest(r annotate.Request) error {
	switch r.Format {
	case "", annotate.FormatPNG, annotate.FormatJPG, annotate.FormatWEBP:
	default:
		return apperrors.Validation("format must be one of png, jpg, webp, got %q", r.Format)
	}
	if r.Quality != 0 && (r.Quality < 1 || r.Quality > 100) {
		return apperrors.Validation("quality must be within 1..100, got %d", r.Quality)
	}
	return validateConfidenceThreshold(r.ConfidenceThreshold)
}

// ---- shared plumbing ------------------------------------------------------

func (co *Coordinator) keyFor(ctx context.Context, kind cache.Kind, imageHash string, params map[string]any) cache.Key {
	return cache.Key{
		Kind:             kind,
		Version:          co.cache.CurrentVersion(ctx, kind),
		ImageHash:        imageHash,
		ParamFingerprint: cache.Fingerprint(params),
	}
}

func (co *Coordinator) okEnvelope(start time.Time, op string, fromCache bool, result any) Envelope {
	raw, err := json.Marshal(result)
	if err != nil {
		return co.errEnvelope(start, "marshal_result", apperrors.Processing("marshal_result", nil, err))
	}
	return co.okEnvelopeRaw(start, op, fromCache, raw)
}

func (co *Coordinator) okEnvelopeRaw(start time.Time, op string, fromCache bool, raw json.RawMessage) Envelope {
	metrics.RequestDuration.WithLabelValues(op, "true").Observe(time.Since(start).Seconds())
	return Envelope{
		Success:          true,
		FromCache:        fromCache,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Result:           raw,
	}
}

func (co *Coordinator) errEnvelope(start time.Time, op string, err error) Envelope {
	var ae *apperrors.Error
	if !apperrors.As(err, &ae) {
		ae = apperrors.Processing(op, nil, err)
	}
	logging.Warnf("coordinator: %s failed: %v", op, err)
	metrics.RequestDuration.WithLabelValues(op, "false").Observe(time.Since(start).Seconds())
	return Envelope{
		Success:          false,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Error: &ErrorInfo{
			Code:              string(ae.Code),
			Message:           ae.Message,
			Details:           ae.Details,
			RetryAfterSeconds: ae.RetryAfterSecs,
		},
	}
}

func asServiceUnavailable(err error) (*apperrors.Error, bool) {
	var ae *apperrors.Error
	if apperrors.As(err, &ae) && ae.Code == apperrors.CodeServiceUnavailable {
		return ae, true
	}
	return nil, false
}
