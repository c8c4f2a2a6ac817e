package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkvision/visionsvc/internal/batch"
	"github.com/parkvision/visionsvc/internal/cache"
	"github.com/parkvision/visionsvc/internal/cas"
	"github.com/parkvision/visionsvc/internal/natureanalyzer"
	"github.com/parkvision/visionsvc/internal/visionclient"
)

// ---- fakes ----------------------------------------------------------------

type fakeRepo struct {
	records      map[string]cas.ImageRecord
	versionBumps []versionBump
}

type versionBump struct {
	kind                  string
	oldVersion, newVersion int
}

func newFakeRepo() *fakeRepo { return &fakeRepo{records: map[string]cas.ImageRecord{}} }

func (f *fakeRepo) Get(ctx context.Context, imageHash string) (*cas.ImageRecord, error) {
	rec, ok := f.records[imageHash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeRepo) Create(ctx context.Context, rec cas.ImageRecord) error {
	f.records[rec.ImageHash] = rec
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, imageHash string) error {
	delete(f.records, imageHash)
	return nil
}

func (f *fakeRepo) ShortlistByHashPrefix(ctx context.Context, perceptualHash string, limit int) ([]cas.ImageRecord, error) {
	var out []cas.ImageRecord
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) ListImages(ctx context.Context, flt ListFilter) (*ListPage, error) {
	var out []cas.ImageRecord
	for _, r := range f.records {
		out = append(out, r)
	}
	return &ListPage{Records: out}, nil
}

func (f *fakeRepo) RecordVersionBump(ctx context.Context, kind string, oldVersion, newVersion int) error {
	f.versionBumps = append(f.versionBumps, versionBump{kind: kind, oldVersion: oldVersion, newVersion: newVersion})
	return nil
}

type fakeBlobs struct {
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blobs: map[string][]byte{}} }

func (f *fakeBlobs) Put(ctx context.Context, hash string, data []byte, mime string) (string, error) {
	f.blobs[hash] = data
	return "blob://" + hash, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, hash string) error {
	delete(f.blobs, hash)
	return nil
}

func (f *fakeBlobs) Get(ctx context.Context, hash, ext string) ([]byte, error) {
	data, ok := f.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("fakeBlobs: no blob for %s", hash)
	}
	return data, nil
}

func (f *fakeBlobs) PutAnnotated(ctx context.Context, annotationID string, data []byte, mime string) (string, error) {
	f.blobs["annotated:"+annotationID] = data
	return "blob://annotated/" + annotationID, nil
}

type fixedTTL struct{}

func (fixedTTL) TTLFor(kind string) time.Duration { return time.Hour }

// ---- fixtures ---------------------------------------------------------------

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{0, 150, 0, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestCoordinator(t *testing.T, visionHandler http.HandlerFunc) (*Coordinator, *fakeRepo, *fakeBlobs) {
	t.Helper()

	repo := newFakeRepo()
	blobs := newFakeBlobs()

	casStore := cas.New(repo, blobs, 0, 0)

	resultCache, err := cache.New(nil, fixedTTL{}, 4096, 0, cache.DefaultEvictionWeights(), 2*time.Second)
	require.NoError(t, err)

	var visionClient *visionclient.Client
	if visionHandler != nil {
		server := httptest.NewServer(visionHandler)
		t.Cleanup(server.Close)
		visionClient = visionclient.New(visionclient.Config{Endpoint: server.URL})
	} else {
		visionClient = visionclient.New(visionclient.Config{Endpoint: "http://127.0.0.1:1"})
	}

	nature := natureanalyzer.New(0.3, natureanalyzer.Weights{})
	orchestrator := batch.New(4)

	return New(casStore, blobs, repo, visionClient, resultCache, nature, orchestrator), repo, blobs
}

func detectHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"object_id": "o1", "class_name": "tree", "confidence": 0.91, "bbox": map[string]float64{"x": 0.1, "y": 0.1, "w": 0.3, "h": 0.3}},
			},
		})
	}
}

// ---- tests ------------------------------------------------------------------

func TestUploadImageThenGetImageInfo(t *testing.T) {
	co, _, _ := newTestCoordinator(t, nil)
	data := tinyPNG(t)

	upload := co.UploadImage(context.Background(), data, "tree.png", "image/png")
	require.True(t, upload.Success)

	var uploadResult UploadResult
	require.NoError(t, json.Unmarshal(upload.Result, &uploadResult))
	assert.Equal(t, cas.StatusStored, uploadResult.Status)

	info := co.GetImageInfo(context.Background(), uploadResult.ImageHash)
	require.True(t, info.Success)
}

func TestUploadImageDuplicateDetected(t *testing.T) {
	co, _, _ := newTestCoordinator(t, nil)
	data := tinyPNG(t)

	first := co.UploadImage(context.Background(), data, "tree.png", "image/png")
	require.True(t, first.Success)

	second := co.UploadImage(context.Background(), data, "tree-again.png", "image/png")
	require.True(t, second.Success)

	var result UploadResult
	require.NoError(t, json.Unmarshal(second.Result, &result))
	assert.Equal(t, cas.StatusDuplicate, result.Status)
}

func TestAnalyzeDetectCachesSecondCall(t *testing.T) {
	co, _, _ := newTestCoordinator(t, detectHandler(t))
	data := tinyPNG(t)

	upload := co.UploadImage(context.Background(), data, "tree.png", "image/png")
	require.True(t, upload.Success)
	var uploadResult UploadResult
	require.NoError(t, json.Unmarshal(upload.Result, &uploadResult))

	first := co.Analyze(context.Background(), AnalyzeRequest{ImageHash: uploadResult.ImageHash, Kind: "detect"})
	require.True(t, first.Success)
	assert.False(t, first.FromCache)

	second := co.Analyze(context.Background(), AnalyzeRequest{ImageHash: uploadResult.ImageHash, Kind: "detect"})
	require.True(t, second.Success)
	assert.True(t, second.FromCache)

	var artifact DetectionArtifact
	require.NoError(t, json.Unmarshal(second.Result, &artifact))
	require.Len(t, artifact.Detections, 1)
	assert.Equal(t, "tree", artifact.Detections[0].ClassName)
}

func TestAnalyzeUnsupportedKindFails(t *testing.T) {
	co, repo, _ := newTestCoordinator(t, nil)
	repo.records["missing"] = cas.ImageRecord{ImageHash: "missing", MimeType: "image/png"}

	env := co.Analyze(context.Background(), AnalyzeRequest{ImageHash: "missing", Kind: "not-a-kind"})
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestAnalyzeUnknownImageFails(t *testing.T) {
	co, _, _ := newTestCoordinator(t, detectHandler(t))
	env := co.Analyze(context.Background(), AnalyzeRequest{ImageHash: "nonexistent", Kind: "detect"})
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "IMAGE_NOT_FOUND", env.Error.Code)
}

func TestClearCacheRemovesEntriesForHash(t *testing.T) {
	co, _, _ := newTestCoordinator(t, detectHandler(t))
	data := tinyPNG(t)

	upload := co.UploadImage(context.Background(), data, "tree.png", "image/png")
	require.True(t, upload.Success)
	var uploadResult UploadResult
	require.NoError(t, json.Unmarshal(upload.Result, &uploadResult))

	first := co.Analyze(context.Background(), AnalyzeRequest{ImageHash: uploadResult.ImageHash, Kind: "detect"})
	require.True(t, first.Success)

	clear := co.ClearCache(context.Background(), uploadResult.ImageHash)
	require.True(t, clear.Success)

	second := co.Analyze(context.Background(), AnalyzeRequest{ImageHash: uploadResult.ImageHash, Kind: "detect"})
	require.True(t, second.Success)
	assert.False(t, second.FromCache, "clearing the hash should force a recompute")
}

func TestStatsReportsHitsAndMisses(t *testing.T) {
	co, _, _ := newTestCoordinator(t, detectHandler(t))
	data := tinyPNG(t)

	upload := co.UploadImage(context.Background(), data, "tree.png", "image/png")
	require.True(t, upload.Success)
	var uploadResult UploadResult
	require.NoError(t, json.Unmarshal(upload.Result, &uploadResult))

	co.Analyze(context.Background(), AnalyzeRequest{ImageHash: uploadResult.ImageHash, Kind: "detect"})
	co.Analyze(context.Background(), AnalyzeRequest{ImageHash: uploadResult.ImageHash, Kind: "detect"})

	env := co.Stats(context.Background())
	require.True(t, env.Success)

	var stats StatsResult
	require.NoError(t, json.Unmarshal(env.Result, &stats))
	assert.Equal(t, int64(1), stats.Cache.Hits)
	assert.Equal(t, int64(1), stats.Cache.Misses)
}
