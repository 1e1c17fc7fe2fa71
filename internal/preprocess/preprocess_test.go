package preprocess

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func solidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func assertUnitRange(t *testing.T, data []float32) {
	t.Helper()
	for i, v := range data {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of range: %v", i, v)
		}
	}
}

func TestPreprocess_FixedShapeForAnyResolution(t *testing.T) {
	p := New()

	sizes := [][2]int{{1, 1}, {224, 224}, {640, 480}, {31, 517}, {1000, 3}}
	for _, s := range sizes {
		img := solidNRGBA(s[0], s[1], color.NRGBA{R: 30, G: 140, B: 60, A: 255})

		for name, raw := range map[string][]byte{
			"png":  encodePNG(t, img),
			"jpeg": encodeJPEG(t, img),
		} {
			tensor, err := p.Preprocess(raw)
			require.NoError(t, err, "%s %dx%d", name, s[0], s[1])
			assert.Equal(t, []int64{1, 224, 224, 3}, tensor.Shape)
			assert.Len(t, tensor.Data, 224*224*3)
			assert.Equal(t, tensor.Len(), len(tensor.Data))
			assertUnitRange(t, tensor.Data)
		}
	}
}

func TestPreprocess_ScalesBy255(t *testing.T) {
	p := New(WithSize(4))
	img := solidNRGBA(8, 8, color.NRGBA{R: 255, G: 0, B: 51, A: 255})

	tensor, err := p.Preprocess(encodePNG(t, img))
	require.NoError(t, err)

	for i := 0; i < len(tensor.Data); i += 3 {
		assert.InDelta(t, 1.0, tensor.Data[i], 1e-6)
		assert.InDelta(t, 0.0, tensor.Data[i+1], 1e-6)
		assert.InDelta(t, 0.2, tensor.Data[i+2], 1e-6)
	}
}

func TestPreprocess_DropsAlpha(t *testing.T) {
	p := New(WithSize(2))
	// semi-transparent pixels keep their colour, as a plain RGB conversion does
	img := solidNRGBA(4, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 10})

	tensor, err := p.Preprocess(encodePNG(t, img))
	require.NoError(t, err)

	assert.InDelta(t, 200.0/255.0, tensor.Data[0], 1e-6)
	assert.InDelta(t, 100.0/255.0, tensor.Data[1], 1e-6)
	assert.InDelta(t, 50.0/255.0, tensor.Data[2], 1e-6)
}

func TestPreprocess_ExpandsGrayscale(t *testing.T) {
	p := New(WithSize(3))
	img := image.NewGray(image.Rect(0, 0, 5, 5))
	for i := range img.Pix {
		img.Pix[i] = 128
	}

	tensor, err := p.Preprocess(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 3, 3}, tensor.Shape)

	for i := 0; i < len(tensor.Data); i += 3 {
		assert.Equal(t, tensor.Data[i], tensor.Data[i+1])
		assert.Equal(t, tensor.Data[i], tensor.Data[i+2])
		assert.InDelta(t, 128.0/255.0, tensor.Data[i], 1e-6)
	}
}

func TestPreprocess_NCHWLayout(t *testing.T) {
	p := New(WithSize(2), WithLayout(NCHW))
	img := solidNRGBA(2, 2, color.NRGBA{R: 255, G: 0, B: 0, A: 255})

	tensor, err := p.Preprocess(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 2, 2}, tensor.Shape)
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0}, tensor.Data)
}

func TestPreprocess_Deterministic(t *testing.T) {
	p := New()
	img := image.NewNRGBA(image.Rect(0, 0, 97, 61))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	raw := encodePNG(t, img)

	first, err := p.Preprocess(raw)
	require.NoError(t, err)
	second, err := p.Preprocess(raw)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assertUnitRange(t, first.Data)
}

func TestPreprocess_InvalidInput(t *testing.T) {
	p := New()
	valid := encodePNG(t, solidNRGBA(10, 10, color.NRGBA{A: 255}))

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"zero length", []byte{}},
		{"text file", []byte("Tomato___healthy is not an image\n")},
		{"truncated png", valid[:len(valid)/2]},
		{"gif", []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")},
		{"png magic only", []byte("\x89PNG\r\n\x1a\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := p.Preprocess(tt.raw)
			assert.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, tensor)
		})
	}
}

func TestPreprocessor_SizeAndShape(t *testing.T) {
	p := New()
	assert.Equal(t, 224, p.Size())
	assert.Equal(t, []int64{1, 224, 224, 3}, p.Shape())

	p = New(WithSize(64), WithLayout(NCHW))
	assert.Equal(t, 64, p.Size())
	assert.Equal(t, []int64{1, 3, 64, 64}, p.Shape())
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("")
	require.NoError(t, err)
	assert.Equal(t, NHWC, l)

	l, err = ParseLayout("NCHW")
	require.NoError(t, err)
	assert.Equal(t, NCHW, l)

	_, err = ParseLayout("chw")
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	p := New()
	uri, err := p.Preview(encodeJPEG(t, solidNRGBA(50, 80, color.NRGBA{G: 200, A: 255})))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	_, err = p.Preview([]byte("nope"))
	assert.ErrorIs(t, err, ErrDecode)
}

// withDeclaredSize rewrites the IHDR dimensions of an encoded PNG and fixes
// the chunk CRC, leaving the pixel data untouched.
func withDeclaredSize(t *testing.T, raw []byte, width, height uint32) []byte {
	t.Helper()
	require.Equal(t, "IHDR", string(raw[12:16]))

	out := append([]byte(nil), raw...)
	binary.BigEndian.PutUint32(out[16:20], width)
	binary.BigEndian.PutUint32(out[20:24], height)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestPreprocess_RejectsOversizedDimensions(t *testing.T) {
	small := encodePNG(t, image.NewGray(image.Rect(0, 0, 8, 8)))
	huge := withDeclaredSize(t, small, 12000, 12000)

	tensor, err := New().Preprocess(huge)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Nil(t, tensor)
	assert.Contains(t, err.Error(), "12000x12000")

	_, err = New().Preview(huge)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPreprocess_MaxPixels(t *testing.T) {
	p := New(WithSize(4), WithMaxPixels(100))

	_, err := p.Preprocess(encodePNG(t, solidNRGBA(10, 10, color.NRGBA{A: 255})))
	assert.NoError(t, err)

	_, err = p.Preprocess(encodePNG(t, solidNRGBA(11, 10, color.NRGBA{A: 255})))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = p.Preprocess(encodePNG(t, solidNRGBA(1, 101, color.NRGBA{A: 255})))
	assert.ErrorIs(t, err, ErrDecode)
}
