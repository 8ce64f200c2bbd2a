package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"os"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lawnchairsociety/tileforge/internal/imaging"
)

// Static is an offline engine for development and tests. With a file
// configured it returns that file for every request; otherwise it paints a
// placeholder tile labelled with its grid key. Inpaint requests keep the
// opaque source pixels and fill only the transparent ones.
type Static struct {
	path string

	mu     sync.Mutex
	loaded bool
	fixed  []byte
}

// NewStatic returns a static engine. path may be empty.
func NewStatic(path string) *Static {
	return &Static{path: path}
}

func (s *Static) Name() string { return "static" }

// Warmup loads the configured file.
func (s *Static) Warmup(context.Context) error {
	_, err := s.load()
	return err
}

// load reads and checks the configured file once. A failed read is retried on
// the next call.
func (s *Static) load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded || s.path == "" {
		return s.fixed, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("static engine: %w", err)
	}
	if _, _, err := imaging.Decode(data); err != nil {
		return nil, fmt.Errorf("static engine %s: %w", s.path, err)
	}
	s.fixed, s.loaded = data, true
	return data, nil
}

func (s *Static) Generate(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fixedImage, err := s.load()
	if err != nil {
		return nil, err
	}
	if fixedImage != nil {
		return fixedImage, nil
	}

	w, h := req.Sampling.Width, req.Sampling.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 64
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	fill := placeholderColor(req.Positive, req.Sampling.Seed)
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)

	if req.Inpaint() {
		src, _, err := imaging.Decode(req.Source)
		if err != nil {
			return nil, err
		}
		draw.Draw(canvas, canvas.Bounds(), imaging.Fit(src, w, h), image.Point{}, draw.Over)
	}

	drawLabel(canvas, req.Target.Key())
	return imaging.EncodePNG(canvas)
}

// placeholderColor derives a stable opaque colour from the prompt and seed.
func placeholderColor(prompt string, seed uint64) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	v := h.Sum32() ^ uint32(seed) ^ uint32(seed>>32)
	return color.NRGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 255}
}

func drawLabel(img draw.Image, text string) {
	face := basicfont.Face7x13
	b := img.Bounds()
	width := font.MeasureString(face, text).Ceil()
	ascent := face.Metrics().Ascent.Ceil()
	x := b.Min.X + (b.Dx()-width)/2
	y := b.Min.Y + (b.Dy()-ascent)/2 + ascent

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
