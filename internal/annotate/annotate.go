// Package annotate is the Annotation Renderer: it draws bounding boxes,
// face markers, and connected labels onto the original pixels and
// re-encodes the result. Deterministic output is obtained by
// always iterating detections/faces in a fixed sort order before drawing —
// map iteration never drives anything that affects pixel output.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"sort"

	"github.com/chai2010/webp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/visionclient"
)

// Format is one of the render output formats.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPG  Format = "jpg"
	FormatWEBP Format = "webp"
)

// Style configures the drawing parameters.
type Style struct {
	FaceMarkerColor  color.RGBA `json:"face_marker_color"`
	FaceMarkerRadius int        `json:"face_marker_radius"`
	BoxColor         color.RGBA `json:"box_color"`
	BoxThickness     int        `json:"box_thickness"`
	LabelColor       color.RGBA `json:"label_color"`
	LabelFontPx      int        `json:"label_font_px"`
	ConnectorColor   color.RGBA `json:"connector_color"`
	TextBG           color.RGBA `json:"text_bg"`
	TextAlpha        float64    `json:"text_alpha"`
}

// DefaultStyle gives every style field a visible, deterministic default.
func DefaultStyle() Style {
	return Style{
		FaceMarkerColor:  color.RGBA{255, 0, 0, 255},
		FaceMarkerRadius: 4,
		BoxColor:         color.RGBA{0, 200, 0, 255},
		BoxThickness:     2,
		LabelColor:       color.RGBA{255, 255, 255, 255},
		LabelFontPx:      13,
		ConnectorColor:   color.RGBA{255, 255, 0, 255},
		TextBG:           color.RGBA{0, 0, 0, 200},
		TextAlpha:        0.8,
	}
}

// Request is the render request.
type Request struct {
	IncludeFaces        bool    `json:"include_faces"`
	IncludeBoxes        bool    `json:"include_boxes"`
	IncludeLabels       bool    `json:"include_labels"`
	Format              Format  `json:"format"`
	Quality             int     `json:"quality"` // 1-100, ignored for PNG
	Style               Style   `json:"style"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxObjects          int     `json:"max_objects"`
}

// ClassHistogram counts detections per class_name.
type ClassHistogram map[string]int

// ConfidenceStats is the confidence mean/min/max + bucket counts.
type ConfidenceStats struct {
	Mean, Min, Max     float64
	HighCount          int // >= 0.8
	MediumCount        int // >= 0.5
	LowCount           int // < 0.5
}

// Stats summarizes a rendered annotation.
type Stats struct {
	TotalObjects    int
	TotalFaces      int
	ClassHistogram  ClassHistogram
	ConfidenceStats ConfidenceStats
}

// Result is the render output.
type Result struct {
	Bytes  []byte
	Format Format
	Width  int
	Height int
	Stats  Stats
}

// Render decodes the image, draws boxes/face-dots/labels in z-order,
// re-encode. Determinism requires detections/faces to be processed in a
// stable order (confidence desc, then id asc) rather than map/slice
// iteration order from the upstream response.
func Render(src image.Image, detections []visionclient.Detection, faces []visionclient.Face, req Request) (*Result, error) {
	style := req.Style
	if style == (Style{}) {
		style = DefaultStyle()
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	filtered := filterAndSortDetections(detections, req.ConfidenceThreshold, req.MaxObjects)

	if req.IncludeBoxes {
		for _, d := range filtered {
			drawBox(canvas, d.BBox, bounds, style.BoxColor, style.BoxThickness)
		}
	}

	sortedFaces := sortFaces(faces)
	if req.IncludeFaces {
		for _, f := range sortedFaces {
			drawFaceMarker(canvas, f.BBox, bounds, style.FaceMarkerColor, style.FaceMarkerRadius)
		}
	}

	if req.IncludeLabels {
		face := fontFaceFor(style.LabelFontPx)
		for _, d := range filtered {
			drawLabel(canvas, d.BBox, bounds, fmt.Sprintf("%s %.0f%%", d.ClassName, d.Confidence*100), style, face)
		}
	}

	encoded, err := encode(canvas, req.Format, req.Quality)
	if err != nil {
		return nil, apperrors.Processing("annotate.render", map[string]any{"format": req.Format}, err)
	}

	stats := computeStats(filtered, sortedFaces)

	return &Result{
		Bytes:  encoded,
		Format: req.Format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Stats:  stats,
	}, nil
}

// filterAndSortDetections keeps detections with confidence >= threshold, the
// top max (0 = unlimited), ordered by confidence desc then object_id asc —
// the canonical order drawing happens in, which is also required for
// determinism.
func filterAndSortDetections(detections []visionclient.Detection, threshold float64, max int) []visionclient.Detection {
	filtered := make([]visionclient.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= threshold {
			filtered = append(filtered, d)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Confidence != filtered[j].Confidence {
			return filtered[i].Confidence > filtered[j].Confidence
		}
		return filtered[i].ObjectID < filtered[j].ObjectID
	})
	if max > 0 && len(filtered) > max {
		filtered = filtered[:max]
	}
	return filtered
}

func sortFaces(faces []visionclient.Face) []visionclient.Face {
	out := append([]visionclient.Face(nil), faces...)
	sort.Slice(out, func(i, j int) bool { return out[i].FaceID < out[j].FaceID })
	return out
}

func drawBox(canvas *image.RGBA, bbox visionclient.BBox, bounds image.Rectangle, col color.RGBA, thickness int) {
	r := denormalize(bbox, bounds)
	if thickness < 1 {
		thickness = 1
	}
	for t := 0; t < thickness; t++ {
		drawRectOutline(canvas, r.Min.X-t, r.Min.Y-t, r.Max.X+t, r.Max.Y+t, col, bounds)
	}
}

func drawRectOutline(canvas *image.RGBA, x0, y0, x1, y1 int, col color.RGBA, clip image.Rectangle) {
	for x := x0; x <= x1; x++ {
		setClamped(canvas, x, y0, col, clip)
		setClamped(canvas, x, y1, col, clip)
	}
	for y := y0; y <= y1; y++ {
		setClamped(canvas, x0, y, col, clip)
		setClamped(canvas, x1, y, col, clip)
	}
}

func drawFaceMarker(canvas *image.RGBA, bbox visionclient.BBox, bounds image.Rectangle, col color.RGBA, radius int) {
	r := denormalize(bbox, bounds)
	cx := (r.Min.X + r.Max.X) / 2
	cy := (r.Min.Y + r.Max.Y) / 2
	if radius < 1 {
		radius = 1
	}
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setClamped(canvas, cx+dx, cy+dy, col, bounds)
			}
		}
	}
}

func drawLabel(canvas *image.RGBA, bbox visionclient.BBox, bounds image.Rectangle, text string, style Style, face font.Face) {
	r := denormalize(bbox, bounds)
	// Label anchors at the box's top-left, clipped to image bounds.
	lx := clampInt(r.Min.X, bounds.Min.X, bounds.Max.X-1)
	ly := clampInt(r.Min.Y-style.LabelFontPx-2, bounds.Min.Y, bounds.Max.Y-1)

	// Connector: straight line from the nearest box edge to the label's
	// top-left corner.
	drawLine(canvas, r.Min.X, r.Min.Y, lx, ly, style.ConnectorColor, bounds)

	textWidth := font.MeasureString(face, text).Ceil()
	bgRect := image.Rect(lx, ly, clampInt(lx+textWidth+4, bounds.Min.X, bounds.Max.X), clampInt(ly+style.LabelFontPx+4, bounds.Min.Y, bounds.Max.Y))
	draw.Draw(canvas, bgRect, &image.Uniform{C: style.TextBG}, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  canvas,
		Src:  &image.Uniform{C: style.LabelColor},
		Face: face,
		Dot:  fixed.P(lx+2, ly+style.LabelFontPx),
	}
	d.DrawString(text)
}

func drawLine(canvas *image.RGBA, x0, y0, x1, y1 int, col color.RGBA, clip image.Rectangle) {
	dx := math.Abs(float64(x1 - x0))
	dy := math.Abs(float64(y1 - y0))
	steps := int(math.Max(dx, dy))
	if steps == 0 {
		setClamped(canvas, x0, y0, col, clip)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := x0 + int(float64(x1-x0)*t)
		y := y0 + int(float64(y1-y0)*t)
		setClamped(canvas, x, y, col, clip)
	}
}

func setClamped(canvas *image.RGBA, x, y int, col color.RGBA, clip image.Rectangle) {
	if x < clip.Min.X || x >= clip.Max.X || y < clip.Min.Y || y >= clip.Max.Y {
		return
	}
	canvas.SetRGBA(x, y, col)
}

func denormalize(bbox visionclient.BBox, bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x0 := bounds.Min.X + int(bbox.X*float64(w))
	y0 := bounds.Min.Y + int(bbox.Y*float64(h))
	x1 := x0 + int(bbox.W*float64(w))
	y1 := y0 + int(bbox.H*float64(h))
	return image.Rect(
		clampInt(x0, bounds.Min.X, bounds.Max.X-1),
		clampInt(y0, bounds.Min.Y, bounds.Max.Y-1),
		clampInt(x1, bounds.Min.X, bounds.Max.X-1),
		clampInt(y1, bounds.Min.Y, bounds.Max.Y-1),
	)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func fontFaceFor(px int) font.Face {
	// basicfont.Face7x13 is the only bundled bitmap face in x/image/font; it
	// is used regardless of the requested px so rendering stays dependency
	// free of external font files and therefore reproducible across
	// deployments.
	_ = px
	return basicfont.Face7x13
}

func computeStats(detections []visionclient.Detection, faces []visionclient.Face) Stats {
	hist := ClassHistogram{}
	var sum, min, max float64
	min = math.MaxFloat64
	var high, medium, low int

	for _, d := range detections {
		hist[d.ClassName]++
		sum += d.Confidence
		if d.Confidence < min {
			min = d.Confidence
		}
		if d.Confidence > max {
			max = d.Confidence
		}
		switch {
		case d.Confidence >= 0.8:
			high++
		case d.Confidence >= 0.5:
			medium++
		default:
			low++
		}
	}

	mean := 0.0
	if len(detections) > 0 {
		mean = sum / float64(len(detections))
	} else {
		min = 0
	}

	return Stats{
		TotalObjects:   len(detections),
		TotalFaces:     len(faces),
		ClassHistogram: hist,
		ConfidenceStats: ConfidenceStats{
			Mean: mean, Min: min, Max: max,
			HighCount: high, MediumCount: medium, LowCount: low,
		},
	}
}

func encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatPNG, "":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case FormatJPG:
		q := quality
		if q <= 0 {
			q = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
	case FormatWEBP:
		q := float32(quality)
		if q <= 0 {
			q = 90
		}
		if err := webp.Encode(&buf, img, &webp.Options{Quality: q}); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.Validation("annotate: unsupported format %q", format)
	}
	return buf.Bytes(), nil
}
