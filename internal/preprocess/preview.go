package preprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// Preview renders the upload as a size x size PNG data URI for the result
// page.
func (p *Preprocessor) Preview(raw []byte) (string, error) {
	img, err := p.Decode(raw)
	if err != nil {
		return "", err
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.size, p.size))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
