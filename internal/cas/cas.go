// Package cas implements the Content-Address Store: MD5 + perceptual
// hashing, exact/near-duplicate dedup, and the ImageRecord lifecycle. It is
// grounded in the request/response shape of
// Lens/modules/ai-gateway/pkg/api/task_handler.go (validate -> dispatch ->
// typed result) generalized from AI task submission to image ingestion.
package cas

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/hashutil"
	"github.com/parkvision/visionsvc/internal/logging"
)

// ImageRecord is the stored metadata for one ingested image.
type ImageRecord struct {
	ImageHash      string
	PerceptualHash string
	Filename       string
	SizeBytes      int64
	MimeType       string
	BlobURL        string
	Width          int
	Height         int
	UploadTime     time.Time
	Tombstoned     bool
}

// SimilarMatch is one entry of the `similar_images[]` result, carrying the
// Hamming distance that justified the match.
type SimilarMatch struct {
	Record         ImageRecord
	HammingDistance int
}

// Status discriminates the outcome of an Ingest call.
type Status string

const (
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
	StatusSimilar   Status = "similar"
)

// IngestResult is the discriminated union returned by Ingest.
type IngestResult struct {
	Status  Status
	Record  ImageRecord
	Similar []SimilarMatch
}

// MetadataRepo is the narrow persistence port the CAS consumes. It is
// implemented by internal/metadatastore; cas depends only on this interface
// so it stays a dependency container with no ambient global mutable state
// rather than reaching for a process-wide singleton.
type MetadataRepo interface {
	Get(ctx context.Context, imageHash string) (*ImageRecord, error)
	Create(ctx context.Context, rec ImageRecord) error
	Delete(ctx context.Context, imageHash string) error
	ShortlistByHashPrefix(ctx context.Context, perceptualHash string, limit int) ([]ImageRecord, error)
}

// BlobWriter is the narrow blob-store port Ingest needs (full Put/Get/Delete
// lives in internal/blobstore; this is the slice CAS actually calls).
type BlobWriter interface {
	Put(ctx context.Context, hash string, data []byte, mime string) (url string, err error)
	Delete(ctx context.Context, hash string) error
}

var allowedMime = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/bmp":  "bmp",
	"image/webp": "webp",
}

// Store is the Content-Address Store.
type Store struct {
	repo              MetadataRepo
	blobs             BlobWriter
	maxUploadBytes    int64
	hammingThreshold  int
}

// New constructs a Store. maxUploadBytes<=0 falls back to the default
// (10 MiB); hammingThreshold<=0 falls back to 5.
func New(repo MetadataRepo, blobs BlobWriter, maxUploadBytes int64, hammingThreshold int) *Store {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10485760
	}
	if hammingThreshold <= 0 {
		hammingThreshold = 5
	}
	return &Store{repo: repo, blobs: blobs, maxUploadBytes: maxUploadBytes, hammingThreshold: hammingThreshold}
}

// Ingest hashes, validates, checks for a duplicate, and stores.
func (s *Store) Ingest(ctx context.Context, data []byte, filename, mime string) (*IngestResult, error) {
	if _, ok := allowedMime[mime]; !ok {
		return nil, apperrors.Validation("unsupported mime type %q", mime)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return nil, apperrors.Validation("upload of %d bytes exceeds max of %d", len(data), s.maxUploadBytes)
	}

	imageHash := hashutil.MD5Hex(data)

	if existing, err := s.repo.Get(ctx, imageHash); err == nil && existing != nil {
		logging.Infof("cas: exact duplicate for %s", imageHash)
		return &IngestResult{Status: StatusDuplicate, Record: *existing, Similar: nil}, nil
	}

	decoded, _, decErr := image.Decode(bytes.NewReader(data))
	var (
		pHash         string
		width, height int
	)
	if decErr == nil {
		width = decoded.Bounds().Dx()
		height = decoded.Bounds().Dy()
		if ph, err := hashutil.PerceptualHash(decoded); err == nil {
			pHash = ph
		}
	}

	var similar []SimilarMatch
	if pHash != "" {
		similar = s.findSimilar(ctx, pHash)
	}

	url, err := s.blobs.Put(ctx, imageHash, data, mime)
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("writing blob for %s", imageHash), err)
	}

	rec := ImageRecord{
		ImageHash:      imageHash,
		PerceptualHash: pHash,
		Filename:       filename,
		SizeBytes:      int64(len(data)),
		MimeType:       mime,
		BlobURL:        url,
		Width:          width,
		Height:         height,
		UploadTime:     time.Now(),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("persisting metadata for %s", imageHash), err)
	}

	status := StatusStored
	if len(similar) > 0 {
		status = StatusSimilar
	}
	return &IngestResult{Status: status, Record: rec, Similar: similar}, nil
}

// Lookup returns the ImageRecord for imageHash, or apperrors.ErrImageNotFound.
func (s *Store) Lookup(ctx context.Context, imageHash string) (*ImageRecord, error) {
	rec, err := s.repo.Get(ctx, imageHash)
	if err != nil {
		return nil, apperrors.Storage("looking up image record", err)
	}
	if rec == nil {
		return nil, apperrors.ImageNotFound(imageHash)
	}
	return rec, nil
}

// FindSimilar returns records whose perceptual hash is within maxHamming bits
// of perceptualHash, sorted by ascending distance then image_hash.
func (s *Store) FindSimilar(ctx context.Context, perceptualHash string, maxHamming int) []SimilarMatch {
	if maxHamming <= 0 {
		maxHamming = s.hammingThreshold
	}
	return s.findSimilarWithin(ctx, perceptualHash, maxHamming)
}

func (s *Store) findSimilar(ctx context.Context, perceptualHash string) []SimilarMatch {
	return s.findSimilarWithin(ctx, perceptualHash, s.hammingThreshold)
}

func (s *Store) findSimilarWithin(ctx context.Context, perceptualHash string, threshold int) []SimilarMatch {
	// The repo is expected to return a Hamming-bucketed shortlist (not a full
	// scan) rather than a full table scan.
	candidates, err := s.repo.ShortlistByHashPrefix(ctx, perceptualHash, 256)
	if err != nil {
		logging.Warnf("cas: shortlist lookup failed: %v", err)
		return nil
	}

	matches := make([]SimilarMatch, 0, len(candidates))
	for _, c := range candidates {
		if c.PerceptualHash == "" {
			continue
		}
		d := hashutil.HammingDistance(perceptualHash, c.PerceptualHash)
		if d < 0 || d > threshold {
			continue
		}
		matches = append(matches, SimilarMatch{Record: c, HammingDistance: d})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].HammingDistance != matches[j].HammingDistance {
			return matches[i].HammingDistance < matches[j].HammingDistance
		}
		return matches[i].Record.ImageHash < matches[j].Record.ImageHash
	})
	return matches
}

// Delete tombstones an ImageRecord: blob + metadata removal. Cache-entry
// removal under this hash is the caller's responsibility (internal/cache has
// no notion of image identity beyond the key it was given).
func (s *Store) Delete(ctx context.Context, imageHash string) error {
	if err := s.blobs.Delete(ctx, imageHash); err != nil {
		return apperrors.Storage(fmt.Sprintf("deleting blob for %s", imageHash), err)
	}
	if err := s.repo.Delete(ctx, imageHash); err != nil {
		return apperrors.Storage(fmt.Sprintf("deleting metadata for %s", imageHash), err)
	}
	return nil
}

// NewAnnotationID mints the identifier used for annotated-render blob names
// (`annotated/{annotation_id}.{ext}`).
func NewAnnotationID() string {
	return uuid.NewString()
}

// ExtensionFor returns the file extension expected for a mime type.
func ExtensionFor(mime string) string {
	if ext, ok := allowedMime[mime]; ok {
		return ext
	}
	return "bin"
}
