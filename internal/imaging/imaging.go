// Package imaging prepares uploaded tiles for inpainting. Transparent pixels
// mark the area the engine should fill; opaque pixels are kept.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds decoded uploads when no limit is given.
const DefaultMaxPixels = 4096 * 4096

var (
	// ErrUndecodable is returned for uploads that are not a supported image.
	ErrUndecodable = errors.New("imaging: unsupported or corrupt image")
	// ErrTooLarge is returned when an image header declares more pixels than
	// allowed.
	ErrTooLarge = errors.New("imaging: image dimensions too large")
)

// Info describes a prepared inpaint source.
type Info struct {
	Width  int
	Height int
	// MaskRatio is the fraction of pixels that are fully transparent.
	MaskRatio float64
}

// SniffType returns the content type detected from the leading bytes.
func SniffType(data []byte) string {
	return http.DetectContentType(data)
}

// IsImageType reports whether a declared content type names an image.
func IsImageType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// Decode decodes PNG, JPEG, GIF or WebP data.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, format, nil
}

// DecodeLimited is Decode for untrusted data. The header is read first and
// images over maxPixels are rejected before any pixel buffer is allocated.
// maxPixels <= 0 uses DefaultMaxPixels.
func DecodeLimited(data []byte, maxPixels int) (image.Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty %dx%d image", ErrUndecodable, cfg.Width, cfg.Height)
	}
	if cfg.Width > maxPixels/cfg.Height {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	return Decode(data)
}

// Fit scales img to exactly w x h with nearest-neighbour sampling, which keeps
// pixel-art edges and alpha hard. An image already at that size is copied.
func Fit(img image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// MaskRatio returns the fraction of fully transparent pixels in img.
func MaskRatio(img image.Image) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	transparent := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
				transparent++
			}
		}
	}
	return float64(transparent) / float64(total)
}

// HalfShift moves the half of a full neighbour tile that borders the target
// into the opposite half of a new transparent canvas. dx and dy are the grid
// step from source to target with y growing upwards, so moving up (0,1)
// places the source's top half in the canvas's bottom half. Diagonal steps
// keep the bordering quadrant.
func HalfShift(img image.Image, dx, dy int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	// Image rows grow downwards, so the vertical shift has the opposite sign.
	offX := -dx * (w / 2)
	offY := dy * (h / 2)

	for y := 0; y < h; y++ {
		ty := y + offY
		if ty < 0 || ty >= h {
			continue
		}
		for x := 0; x < w; x++ {
			tx := x + offX
			if tx < 0 || tx >= w {
				continue
			}
			dst.Set(tx, ty, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// PrepareInpaintSource decodes an upload of at most maxPixels, optionally
// half-shifts it by the grid step (dx, dy), scales it to the engine canvas and
// re-encodes it as PNG with alpha preserved.
func PrepareInpaintSource(data []byte, maxPixels, width, height int, shift bool, dx, dy int) ([]byte, Info, error) {
	img, _, err := DecodeLimited(data, maxPixels)
	if err != nil {
		return nil, Info{}, err
	}
	if shift {
		img = HalfShift(img, dx, dy)
	}
	fitted := Fit(img, width, height)

	out, err := EncodePNG(fitted)
	if err != nil {
		return nil, Info{}, err
	}
	return out, Info{Width: width, Height: height, MaskRatio: MaskRatio(fitted)}, nil
}
