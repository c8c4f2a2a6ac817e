package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyEncodeLayout(t *testing.T) {
	k := Key{Kind: KindDetect, Version: 3, ImageHash: "abc", ParamFingerprint: "def"}
	assert.Equal(t, "detect:v3:abc:def", k.Encode())
}

func TestFingerprintStableUnderFieldOrder(t *testing.T) {
	a := map[string]any{"confidence_threshold": 0.3, "max_objects": float64(20)}
	b := map[string]any{"max_objects": float64(20), "confidence_threshold": 0.3}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintStableUnderNumericEquivalence(t *testing.T) {
	a := map[string]any{"confidence_threshold": 0.3}
	b := map[string]any{"confidence_threshold": 0.30}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDiffersForDifferentParams(t *testing.T) {
	a := map[string]any{"confidence_threshold": 0.3}
	b := map[string]any{"confidence_threshold": 0.7}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintRecursesIntoNestedValues(t *testing.T) {
	a := map[string]any{"style": map[string]any{"box_color": "red", "box_thickness": float64(2)}}
	b := map[string]any{"style": map[string]any{"box_thickness": float64(2), "box_color": "red"}}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
