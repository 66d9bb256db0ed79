package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/bmharper/cimg/v2"
)

var ErrEmptyImage = errors.New("Image has no pixels")

// Image is one channel of a capture, written next to the step document.
// Exactly one of Color or Mask must be set.
type Image struct {
	Channel string
	Color   *cimg.Image // RGB, encoded as JPEG
	Mask    *image.Gray // Segmentation or coverage, encoded as PNG so that values survive exactly
}

type encodedImage struct {
	ext    string
	format string
	width  int
	height int
	data   []byte
}

func (img *Image) encode(jpegQuality int) (*encodedImage, error) {
	switch {
	case img.Color != nil:
		if img.Color.Width == 0 || img.Color.Height == 0 {
			return nil, ErrEmptyImage
		}
		data, err := cimg.Compress(img.Color, cimg.MakeCompressParams(cimg.Sampling420, jpegQuality, 0))
		if err != nil {
			return nil, fmt.Errorf("JPEG compression failed: %w", err)
		}
		return &encodedImage{"jpg", "jpeg", img.Color.Width, img.Color.Height, data}, nil
	case img.Mask != nil:
		b := img.Mask.Bounds()
		if b.Empty() {
			return nil, ErrEmptyImage
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img.Mask); err != nil {
			return nil, fmt.Errorf("PNG compression failed: %w", err)
		}
		return &encodedImage{"png", "png", b.Dx(), b.Dy(), buf.Bytes()}, nil
	}
	return nil, ErrEmptyImage
}
