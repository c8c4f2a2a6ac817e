// Package natureanalyzer is the Natural-Element Analyzer: it turns a
// vision primitive bundle into a NatureArtifact via label categorization,
// coverage estimation, vegetation health scoring, seasonal inference, and
// color analysis. Modeled on the small, independently testable scoring
// functions in core/pkg/framework's confidence/similarity calculators,
// generalized from GPU-workload signatures to label taxonomy.
package natureanalyzer

import (
	"math"
	"sort"
	"strings"

	"github.com/parkvision/visionsvc/internal/visionclient"
)

// Category is one of the five coverage categories.
type Category string

const (
	CategoryVegetation Category = "vegetation"
	CategorySky        Category = "sky"
	CategoryWater      Category = "water"
	CategoryTerrain    Category = "terrain"
	CategoryBuilt      Category = "built"
)

var taxonomy = map[Category][]string{
	CategoryVegetation: {"tree", "plant", "grass", "leaf", "flower", "shrub", "forest", "foliage", "garden", "vegetation", "bush"},
	CategorySky:        {"sky", "cloud", "atmosphere", "sunset", "sunrise", "horizon", "dusk", "dawn"},
	CategoryWater:      {"water", "lake", "river", "pond", "stream", "fountain", "sea", "ocean", "waterfall"},
	CategoryTerrain:    {"ground", "soil", "rock", "path", "trail", "sand", "dirt", "gravel"},
	CategoryBuilt:      {"building", "bench", "fence", "structure", "pavement", "road", "sidewalk", "wall"},
}

// alpha dampens overcounting for verbose categories.
var alpha = map[Category]float64{
	CategoryVegetation: 1.0,
	CategorySky:        0.8,
	CategoryWater:      0.7,
	CategoryTerrain:    0.5,
	CategoryBuilt:      0.6,
}

var healthyLabelKeywords = []string{"lush", "verdant", "healthy", "green", "thriving"}

type seasonKeywords struct {
	season   string
	keywords []string
}

var seasons = []seasonKeywords{
	{"spring", []string{"blossom", "bloom", "sprout"}},
	{"summer", []string{"lush", "verdant", "sunflower"}},
	{"autumn", []string{"foliage", "red leaf", "orange", "pumpkin"}},
	{"winter", []string{"snow", "frost", "bare branch"}},
}

// Weights are the vegetation-health sub-score weights, passed to New rather
// than compiled constants (DESIGN.md, Open Question 2). internal/config has
// no key for them; bootstrap passes the zero value, which selects
// DefaultWeights.
type Weights struct {
	Color    float64
	Coverage float64
	Label    float64
}

// DefaultWeights returns the baseline coefficients.
func DefaultWeights() Weights { return Weights{Color: 0.45, Coverage: 0.35, Label: 0.20} }

// VegetationHealth is the vegetation_health_score sub-result.
type VegetationHealth struct {
	Overall       float64
	ColorScore    float64
	CoverageScore float64
	LabelScore    float64
	Status        string
	Recommendations []string
}

// Seasonal is the seasonal{} sub-result.
type Seasonal struct {
	Primary            string
	ConfidencesBySeason map[string]float64
	Features            []string
}

// NamedColor is one dominant_colors[] entry.
type NamedColor struct {
	Hex     string
	R, G, B int
	Pct     float64
	Name    string
}

// ColorAnalysis is the color-analysis sub-result.
type ColorAnalysis struct {
	DominantColors []NamedColor
	DiversityScore float64
}

// NatureArtifact is the nature-analysis result for one image.
type NatureArtifact struct {
	CoveragePct      map[Category]float64
	VegetationHealth VegetationHealth
	Seasonal         Seasonal
	Colors           ColorAnalysis
	Recommendations  []string
}

// Analyzer is stateless and pure with respect to its inputs, which is what
// lets its output be cached under a fingerprint.
type Analyzer struct {
	confidenceThreshold float64
	weights             Weights
}

// New builds an Analyzer. confidenceThreshold<=0 falls back to the
// default (0.3); a zero Weights falls back to DefaultWeights().
func New(confidenceThreshold float64, weights Weights) *Analyzer {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.3
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Analyzer{confidenceThreshold: confidenceThreshold, weights: weights}
}

// categoryMatch is one label's proportional attribution to a category.
type categoryMatch struct {
	category   Category
	confidence float64
}

// Transform runs the full analysis pipeline over bundle.
func (a *Analyzer) Transform(bundle *visionclient.PrimitiveBundle) NatureArtifact {
	matches := a.categorize(bundle.Labels)
	coverage := a.coverage(matches)
	health := a.vegetationHealth(bundle, coverage[CategoryVegetation])
	seasonal := a.seasonal(bundle.Labels)
	colors := a.colorAnalysis(bundle.Properties)

	return NatureArtifact{
		CoveragePct:      coverage,
		VegetationHealth: health,
		Seasonal:         seasonal,
		Colors:           colors,
		Recommendations:  health.Recommendations,
	}
}

// categorize discards labels below threshold and
// ambiguous labels (matching >1 category) are attributed proportionally by
// confidence to every matched category.
func (a *Analyzer) categorize(labels []visionclient.Label) []categoryMatch {
	var matches []categoryMatch
	for _, l := range labels {
		if l.Confidence < a.confidenceThreshold {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(l.Description))

		var hit []Category
		for cat, keywords := range taxonomy {
			for _, kw := range keywords {
				if strings.Contains(normalized, kw) {
					hit = append(hit, cat)
					break
				}
			}
		}
		if len(hit) == 0 {
			continue
		}
		// Proportional attribution: each matched category gets the label's
		// full confidence (not divided), since coverage rescaling below
		// already normalizes the aggregate; dividing here would understate
		// a label that genuinely belongs to multiple categories (e.g. a
		// "garden path" legitimately contributes to both vegetation and
		// terrain).
		for _, cat := range hit {
			matches = append(matches, categoryMatch{category: cat, confidence: l.Confidence})
		}
	}
	return matches
}

// coverage computes per-category area share.
func (a *Analyzer) coverage(matches []categoryMatch) map[Category]float64 {
	weighted := map[Category]float64{}
	var total float64
	for _, m := range matches {
		w := m.confidence * alpha[m.category]
		weighted[m.category] += w
		total += w
	}

	result := map[Category]float64{
		CategoryVegetation: 0, CategorySky: 0, CategoryWater: 0, CategoryTerrain: 0, CategoryBuilt: 0,
	}
	if total <= 0 {
		return result
	}
	var sum float64
	for cat, w := range weighted {
		pct := clamp(w/total, 0, 1) * 100
		result[cat] = pct
		sum += pct
	}
	if sum > 100 {
		scale := 100 / sum
		for cat := range result {
			result[cat] *= scale
		}
	}
	return result
}

// vegetationHealth scores overall plant health.
func (a *Analyzer) vegetationHealth(bundle *visionclient.PrimitiveBundle, vegetationCoverage float64) VegetationHealth {
	colorScore := 0.0
	if bundle.Properties != nil && len(bundle.Properties.DominantColors) > 0 {
		var greenCount int
		for _, c := range bundle.Properties.DominantColors {
			if c.G > c.R && c.G > c.B && c.G >= 80 {
				greenCount++
			}
		}
		greenRatio := float64(greenCount) / float64(len(bundle.Properties.DominantColors))
		colorScore = 100 * math.Min(1, greenRatio/0.4)
	}

	coverageScore := 100 * math.Min(1, vegetationCoverage/30)

	var healthyMax float64
	for _, l := range bundle.Labels {
		normalized := strings.ToLower(l.Description)
		for _, kw := range healthyLabelKeywords {
			if strings.Contains(normalized, kw) && l.Confidence > healthyMax {
				healthyMax = l.Confidence
			}
		}
	}
	labelScore := 100 * math.Min(1, healthyMax)

	overall := a.weights.Color*colorScore + a.weights.Coverage*coverageScore + a.weights.Label*labelScore

	status := "unknown"
	switch {
	case overall >= 70:
		status = "healthy"
	case overall >= 40:
		status = "moderate"
	case overall >= 15:
		status = "poor"
	}

	var recs []string
	if colorScore < 40 {
		recs = append(recs, "Dominant palette shows little green; inspect for drought or disease stress.")
	}
	if coverageScore < 40 {
		recs = append(recs, "Low vegetation coverage detected; consider additional planting.")
	}
	if labelScore < 40 {
		recs = append(recs, "No strong 'healthy vegetation' labels observed; manual review suggested.")
	}

	return VegetationHealth{
		Overall:         overall,
		ColorScore:      colorScore,
		CoverageScore:   coverageScore,
		LabelScore:      labelScore,
		Status:          status,
		Recommendations: recs,
	}
}

// seasonal infers the most likely season.
func (a *Analyzer) seasonal(labels []visionclient.Label) Seasonal {
	scores := map[string]float64{}
	counts := map[string]int{}
	var features []string

	for _, sk := range seasons {
		scores[sk.season] = 0
	}

	for _, l := range labels {
		normalized := strings.ToLower(l.Description)
		for _, sk := range seasons {
			for _, kw := range sk.keywords {
				if strings.Contains(normalized, kw) {
					scores[sk.season] += l.Confidence
					counts[sk.season]++
					features = append(features, kw)
				}
			}
		}
	}

	var best float64
	for _, sk := range seasons {
		if scores[sk.season] > best {
			best = scores[sk.season]
		}
	}

	primary := "unknown"
	if best >= 0.4 {
		var bestCandidates []string
		for _, sk := range seasons {
			if scores[sk.season] == best {
				bestCandidates = append(bestCandidates, sk.season)
			}
		}
		primary = breakTies(bestCandidates, counts)
	}

	return Seasonal{Primary: primary, ConfidencesBySeason: scores, Features: dedupe(features)}
}

// breakTies resolves a tie: greatest raw label count, then
// alphabetical order.
func breakTies(candidates []string, counts map[string]int) string {
	if len(candidates) == 1 {
		return candidates[0]
	}
	sort.Slice(candidates, func(i, j int) bool {
		if counts[candidates[i]] != counts[candidates[j]] {
			return counts[candidates[i]] > counts[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0]
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

var namedPalette = []struct {
	name    string
	r, g, b int
}{
	{"green", 34, 139, 34},
	{"blue", 30, 144, 255},
	{"brown", 139, 69, 19},
	{"gray", 128, 128, 128},
	{"white", 255, 255, 255},
	{"black", 0, 0, 0},
	{"yellow", 255, 215, 0},
	{"orange", 255, 140, 0},
}

// colorAnalysis summarizes dominant colors.
func (a *Analyzer) colorAnalysis(props *visionclient.ImageProperties) ColorAnalysis {
	if props == nil || len(props.DominantColors) == 0 {
		return ColorAnalysis{}
	}

	colors := make([]NamedColor, 0, len(props.DominantColors))
	pcts := make([]float64, 0, len(props.DominantColors))
	for _, c := range props.DominantColors {
		r, g, b := int(c.R), int(c.G), int(c.B)
		colors = append(colors, NamedColor{
			Hex:  hexOf(r, g, b),
			R:    r,
			G:    g,
			B:    b,
			Pct:  c.PixelPct,
			Name: nearestNamed(r, g, b),
		})
		pcts = append(pcts, c.PixelPct)
	}

	k := len(props.DominantColors)
	diversity := 0.0
	if k > 1 {
		diversity = 100 * entropy(pcts) / math.Log2(float64(k))
	}

	return ColorAnalysis{DominantColors: colors, DiversityScore: diversity}
}

func entropy(pcts []float64) float64 {
	var total float64
	for _, p := range pcts {
		total += p
	}
	if total <= 0 {
		return 0
	}
	var h float64
	for _, p := range pcts {
		if p <= 0 {
			continue
		}
		frac := p / total
		h -= frac * math.Log2(frac)
	}
	return h
}

func hexOf(r, g, b int) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 7)
	buf[0] = '#'
	vals := [3]int{r, g, b}
	for i, v := range vals {
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		buf[1+i*2] = hexDigits[v>>4]
		buf[2+i*2] = hexDigits[v&0xf]
	}
	return string(buf)
}

func nearestNamed(r, g, b int) string {
	best := ""
	bestDist := math.MaxFloat64
	for _, p := range namedPalette {
		dr := float64(r - p.r)
		dg := float64(g - p.g)
		db := float64(b - p.b)
		dist := dr*dr + dg*dg + db*db
		if dist < bestDist {
			bestDist = dist
			best = p.name
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
