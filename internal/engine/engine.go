// Package engine talks to the image generation backends. Every backend takes
// a prompt pair plus sampling settings and returns PNG bytes; an inpaint
// request additionally carries the source image whose transparent pixels are
// the area to fill.
package engine

import (
	"context"
	"errors"

	"github.com/lawnchairsociety/tileforge/internal/tile"
)

// ErrNoImage is returned when a backend finished without producing an image.
var ErrNoImage = errors.New("engine: no image in result")

// Sampling holds the diffusion settings for one generation pass.
type Sampling struct {
	Seed       uint64
	Steps      int
	CFG        float64
	Sampler    string
	Scheduler  string
	Denoise    float64
	GrowMaskBy int
	Width      int
	Height     int
}

// DefaultSeedSampling returns the settings for a text-to-image pass.
func DefaultSeedSampling() Sampling {
	return Sampling{
		Steps:      10,
		CFG:        2.98,
		Sampler:    "ddim",
		Scheduler:  "karras",
		Denoise:    1,
		GrowMaskBy: 3,
		Width:      768,
		Height:     768,
	}
}

// DefaultInpaintSampling returns the settings for an inpaint pass.
func DefaultInpaintSampling() Sampling {
	s := DefaultSeedSampling()
	s.CFG = 3
	return s
}

// Request is one generation pass. It is built per request and discarded.
type Request struct {
	Target   tile.Coord
	Positive string
	Negative string
	// Source is the PNG to inpaint from; nil for a seed tile.
	Source []byte
	// SourceName is the file name the source was stored under.
	SourceName string
	Sampling   Sampling
}

// Inpaint reports whether r extends from a source image.
func (r Request) Inpaint() bool {
	return len(r.Source) > 0
}

// Engine is an image generation backend. Warmup is called once at startup so
// model handles are loaded before the first request.
type Engine interface {
	Name() string
	Warmup(ctx context.Context) error
	Generate(ctx context.Context, req Request) ([]byte, error)
}
