package annotate

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkvision/visionsvc/internal/visionclient"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 200, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.RGBA{20, 120, 20, 255})
		}
	}
	return img
}

func sampleDetections() []visionclient.Detection {
	return []visionclient.Detection{
		{ObjectID: "a", ClassName: "tree", Confidence: 0.95, BBox: visionclient.BBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
		{ObjectID: "b", ClassName: "bench", Confidence: 0.6, BBox: visionclient.BBox{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}},
		{ObjectID: "c", ClassName: "path", Confidence: 0.4, BBox: visionclient.BBox{X: 0.7, Y: 0.2, W: 0.15, H: 0.1}},
	}
}

func TestRenderRespectsConfidenceThresholdAndMaxObjects(t *testing.T) {
	req := Request{
		IncludeBoxes:        true,
		Format:              FormatPNG,
		ConfidenceThreshold: 0.5,
		MaxObjects:          1,
	}
	result, err := Render(testImage(), sampleDetections(), nil, req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.TotalObjects)
	assert.GreaterOrEqual(t, result.Stats.ConfidenceStats.Min, 0.5)
}

func TestRenderIsByteDeterministic(t *testing.T) {
	req := Request{IncludeBoxes: true, IncludeLabels: true, Format: FormatPNG, ConfidenceThreshold: 0.3, MaxObjects: 20}
	r1, err := Render(testImage(), sampleDetections(), nil, req)
	require.NoError(t, err)
	r2, err := Render(testImage(), sampleDetections(), nil, req)
	require.NoError(t, err)
	assert.Equal(t, r1.Bytes, r2.Bytes, "same pixels + same request must produce byte-identical output")
}

func TestRenderPreservesDimensions(t *testing.T) {
	req := Request{Format: FormatPNG}
	result, err := Render(testImage(), nil, nil, req)
	require.NoError(t, err)
	assert.Equal(t, 200, result.Width)
	assert.Equal(t, 150, result.Height)
}

func TestRenderJPEGEncoding(t *testing.T) {
	req := Request{Format: FormatJPG, Quality: 80, IncludeBoxes: true, ConfidenceThreshold: 0.3}
	result, err := Render(testImage(), sampleDetections(), nil, req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Bytes)
	assert.Equal(t, FormatJPG, result.Format)
}

func TestComputeStatsBucketsByConfidence(t *testing.T) {
	stats := computeStats(sampleDetections(), nil)
	assert.Equal(t, 3, stats.TotalObjects)
	assert.Equal(t, 1, stats.ConfidenceStats.HighCount)
	assert.Equal(t, 1, stats.ConfidenceStats.MediumCount)
	assert.Equal(t, 1, stats.ConfidenceStats.LowCount)
}

func TestFilterAndSortDetectionsOrdering(t *testing.T) {
	sorted := filterAndSortDetections(sampleDetections(), 0, 0)
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].ObjectID)
	assert.Equal(t, "b", sorted[1].ObjectID)
	assert.Equal(t, "c", sorted[2].ObjectID)
}
