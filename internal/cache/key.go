package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the cache's result kinds (GLOSSARY).
type Kind string

const (
	KindDetect   Kind = "detect"
	KindFaces    Kind = "faces"
	KindNature   Kind = "nature"
	KindAnnotate Kind = "annotate"
	KindSegment  Kind = "segment"
	KindExtract  Kind = "extract"
	KindBatch    Kind = "batch"
)

// Key identifies a cached artifact: (kind, version, image_hash, param_fingerprint).
type Key struct {
	Kind            Kind
	Version         int
	ImageHash       string
	ParamFingerprint string
}

// Encode renders the key in its persisted-state layout:
// "{kind}:v{version}:{image_hash}:{param_fingerprint}".
func (k Key) Encode() string {
	return fmt.Sprintf("%s:v%d:%s:%s", k.Kind, k.Version, k.ImageHash, k.ParamFingerprint)
}

// Fingerprint computes the stable, field-order-independent hash of a
// parameter record. The record is serialized with encoding/json, which writes
// map keys in sorted order and renders equal numbers identically (0.3 and
// 0.30 are the same float64), and that serialization is hashed.
func Fingerprint(params map[string]any) string {
	canonical := canonicalize(params)
	raw, err := json.Marshal(canonical)
	if err != nil {
		// params must be JSON-marshalable by contract of every caller; a
		// failure here means a caller passed something it shouldn't have.
		raw = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:32]
}

// canonicalize recursively copies a parameter value, descending into nested
// maps and slices; values are kept as they are. The copies are still plain
// maps: byte-identical output for maps with equal content comes from
// encoding/json sorting map keys on marshal.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}
