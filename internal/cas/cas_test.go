package cas

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]ImageRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]ImageRecord)}
}

func (f *fakeRepo) Get(ctx context.Context, imageHash string) (*ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[imageHash]; ok {
		return &r, nil
	}
	return nil, nil
}

func (f *fakeRepo) Create(ctx context.Context, rec ImageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ImageHash] = rec
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, imageHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, imageHash)
	return nil
}

func (f *fakeRepo) ShortlistByHashPrefix(ctx context.Context, perceptualHash string, limit int) ([]ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ImageRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	puts int
}

func (f *fakeBlobs) Put(ctx context.Context, hash string, data []byte, mime string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	return "https://blobs.example/images/" + hash, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, hash string) error { return nil }

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIngestNewImageIsStored(t *testing.T) {
	repo := newFakeRepo()
	blobs := &fakeBlobs{}
	store := New(repo, blobs, 0, 0)

	data := pngBytes(t, color.RGBA{10, 200, 10, 255})
	result, err := store.Ingest(context.Background(), data, "a.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, StatusStored, result.Status)
	assert.Equal(t, 1, blobs.puts)
}

func TestIngestDedupIdempotence(t *testing.T) {
	repo := newFakeRepo()
	blobs := &fakeBlobs{}
	store := New(repo, blobs, 0, 0)
	data := pngBytes(t, color.RGBA{50, 50, 200, 255})

	first, err := store.Ingest(context.Background(), data, "a.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, StatusStored, first.Status)

	for i := 0; i < 3; i++ {
		result, err := store.Ingest(context.Background(), data, "a.png", "image/png")
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicate, result.Status)
		assert.Empty(t, result.Similar)
	}
	assert.Equal(t, 1, blobs.puts)
	assert.Len(t, repo.records, 1)
}

func TestIngestRejectsUnsupportedMime(t *testing.T) {
	store := New(newFakeRepo(), &fakeBlobs{}, 0, 0)
	_, err := store.Ingest(context.Background(), []byte("x"), "a.tiff", "image/tiff")
	require.Error(t, err)
}

func TestIngestRejectsOversizedUpload(t *testing.T) {
	store := New(newFakeRepo(), &fakeBlobs{}, 10, 0)
	data := pngBytes(t, color.RGBA{1, 2, 3, 255})
	_, err := store.Ingest(context.Background(), data, "a.png", "image/png")
	require.Error(t, err)
}

func TestLookupNotFound(t *testing.T) {
	store := New(newFakeRepo(), &fakeBlobs{}, 0, 0)
	_, err := store.Lookup(context.Background(), "deadbeef")
	require.Error(t, err)
}

func TestDeleteRemovesBlobAndRecord(t *testing.T) {
	repo := newFakeRepo()
	blobs := &fakeBlobs{}
	store := New(repo, blobs, 0, 0)
	data := pngBytes(t, color.RGBA{9, 9, 9, 255})
	result, err := store.Ingest(context.Background(), data, "a.png", "image/png")
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), result.Record.ImageHash))
	_, err = store.Lookup(context.Background(), result.Record.ImageHash)
	require.Error(t, err)
}
