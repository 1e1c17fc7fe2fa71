// Package preprocess turns uploaded image bytes into the fixed-shape float
// tensor the leaf classifier was trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// ErrDecode is returned when the input is not a decodable JPEG or PNG.
var ErrDecode = errors.New("invalid image")

// DefaultSize is the square input resolution of the trained model.
const DefaultSize = 224

// DefaultMaxPixels caps width*height of an upload before it is decoded.
const DefaultMaxPixels = 40_000_000

const channels = 3

// Layout is the memory order of the tensor.
type Layout string

const (
	// NHWC is batch, height, width, channels (Keras default).
	NHWC Layout = "nhwc"
	// NCHW is batch, channels, height, width.
	NCHW Layout = "nchw"
)

// ParseLayout is case-insensitive and defaults to NHWC for an empty string.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(s)) {
	case "", NHWC:
		return NHWC, nil
	case NCHW:
		return NCHW, nil
	}
	return "", fmt.Errorf("unknown tensor layout %q", s)
}

var supportedMIME = []string{"image/jpeg", "image/png"}

// Tensor is a batch of one preprocessed image.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len is the number of elements implied by Shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Preprocessor holds the target geometry. It has no mutable state and is safe
// for concurrent use.
type Preprocessor struct {
	size      int
	layout    Layout
	maxPixels int
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithSize overrides the target resolution.
func WithSize(size int) Option {
	return func(p *Preprocessor) {
		if size > 0 {
			p.size = size
		}
	}
}

// WithLayout overrides the tensor memory order.
func WithLayout(layout Layout) Option {
	return func(p *Preprocessor) {
		p.layout = layout
	}
}

// WithMaxPixels overrides the largest accepted width*height.
func WithMaxPixels(n int) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New returns a Preprocessor for a size x size RGB model input.
func New(opts ...Option) *Preprocessor {
	p := &Preprocessor{size: DefaultSize, layout: NHWC, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size is the target width and height.
func (p *Preprocessor) Size() int {
	return p.size
}

// Shape is the tensor shape Preprocess produces.
func (p *Preprocessor) Shape() []int64 {
	s := int64(p.size)
	if p.layout == NCHW {
		return []int64{1, channels, s, s}
	}
	return []int64{1, s, s, channels}
}

// Preprocess decodes raw, converts it to RGB, resizes it bilinearly to the
// target size and scales every channel to [0,1].
func (p *Preprocessor) Preprocess(raw []byte) (*Tensor, error) {
	img, err := p.Decode(raw)
	if err != nil {
		return nil, err
	}

	resized := resize.Resize(uint(p.size), uint(p.size), toRGB(img), resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [channels]float32{
				float32(r>>8) / 255.0,
				float32(g>>8) / 255.0,
				float32(b>>8) / 255.0,
			}

			pixelIndex := y*width + x
			for c := 0; c < channels; c++ {
				if p.layout == NCHW {
					data[c*plane+pixelIndex] = rgb[c]
				} else {
					data[pixelIndex*channels+c] = rgb[c]
				}
			}
		}
	}

	return &Tensor{Shape: p.Shape(), Data: data}, nil
}

// Decode sniffs the content type, checks the declared dimensions against the
// pixel cap and decodes JPEG or PNG bytes.
func (p *Preprocessor) Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}

	mtype := mimetype.Detect(raw)
	if !mimetype.EqualsAny(mtype.String(), supportedMIME...) {
		return nil, fmt.Errorf("%w: unsupported content type %s", ErrDecode, mtype.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > p.maxPixels/cfg.Height {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, p.maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// toRGB drops alpha without premultiplying and expands grayscale, so every
// pixel carries three opaque colour channels.
func toRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
