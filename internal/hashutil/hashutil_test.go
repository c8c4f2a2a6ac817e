package hashutil

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5HexDeterministic(t *testing.T) {
	data := []byte("a park photo, presumably")
	h1 := MD5Hex(data)
	h2 := MD5Hex(data)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}

func TestMD5HexDiffersOnContent(t *testing.T) {
	assert.NotEqual(t, MD5Hex([]byte("a")), MD5Hex([]byte("b")))
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPerceptualHashDeterministic(t *testing.T) {
	img := solidImage(64, 64, color.RGBA{100, 150, 80, 255})
	h1, err := PerceptualHash(img)
	require.NoError(t, err)
	h2, err := PerceptualHash(img)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestHammingDistanceIdenticalIsZero(t *testing.T) {
	img := solidImage(48, 48, color.RGBA{10, 200, 30, 255})
	h, err := PerceptualHash(img)
	require.NoError(t, err)
	assert.Equal(t, 0, HammingDistance(h, h))
}

func TestHammingDistanceMalformedInput(t *testing.T) {
	assert.Equal(t, -1, HammingDistance("not-hex", "alsonothex"))
}

func TestHammingDistanceDiffersForDifferentImages(t *testing.T) {
	a := solidImage(48, 48, color.RGBA{255, 255, 255, 255})
	b := solidImage(48, 48, color.RGBA{0, 0, 0, 255})
	ha, err := PerceptualHash(a)
	require.NoError(t, err)
	hb, err := PerceptualHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
