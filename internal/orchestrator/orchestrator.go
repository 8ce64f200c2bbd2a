// Package orchestrator runs the two tile operations: generating the origin
// tile and extending the map from an existing tile. It owns every write to
// the tile registry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lawnchairsociety/tileforge/internal/engine"
	"github.com/lawnchairsociety/tileforge/internal/gate"
	"github.com/lawnchairsociety/tileforge/internal/imaging"
	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/prompt"
	"github.com/lawnchairsociety/tileforge/internal/tile"
)

var (
	// ErrInvalidInput marks requests rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstream marks failures of the image engine or language model.
	ErrUpstream = errors.New("upstream failure")
	// ErrFilesystem marks a stored upload that cannot be found or read back.
	ErrFilesystem = errors.New("filesystem inconsistency")
)

// EventKind says how a tile was produced.
type EventKind string

const (
	EventSeed   EventKind = "seed"
	EventExtend EventKind = "extend"
)

// TileEvent is published after a tile's prompt has been stored.
type TileEvent struct {
	Kind      EventKind   `json:"kind"`
	Coord     tile.Coord  `json:"coord"`
	Key       string      `json:"key"`
	Prompt    string      `json:"prompt"`
	Source    *tile.Coord `json:"source,omitempty"`
	Direction string      `json:"direction,omitempty"`
	Fallback  bool        `json:"fallback,omitempty"`
}

// EventSink receives tile events. Publish must not block.
type EventSink interface {
	Publish(TileEvent)
}

// Config holds per-operation engine settings and the upload directory.
type Config struct {
	InputDir string
	// MaxSourcePixels bounds the decoded size of an uploaded source tile.
	// Zero uses imaging.DefaultMaxPixels.
	MaxSourcePixels int
	Seed            engine.Sampling
	Inpaint         engine.Sampling
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Registry *tile.Registry
	Composer *prompt.Composer
	Gate     *gate.Gate
	Engine   engine.Engine
	Events   EventSink
}

// SeedRequest asks for the origin tile.
type SeedRequest struct {
	Description      string
	NegativeOverride string
}

// ExtendRequest asks for the tile at Target, continuing from Source.
type ExtendRequest struct {
	Source           tile.Coord
	Target           tile.Coord
	Direction        string
	Image            []byte
	ContentType      string
	Description      string
	NegativeOverride string
	// ShiftSource moves the bordering half of a full source tile into an
	// otherwise transparent canvas before inpainting.
	ShiftSource bool
}

// Result is a generated tile.
type Result struct {
	Coord    tile.Coord
	Image    []byte
	Prompts  prompt.Prompts
	Seed     uint64
	Fallback bool
	Duration time.Duration
}

// Stats summarises the service for the status endpoint.
type Stats struct {
	Engine    string     `json:"engine"`
	Composer  string     `json:"composer"`
	Tiles     int        `json:"tiles"`
	Fallbacks uint64     `json:"fallbacks"`
	Gate      gate.Stats `json:"gate"`
}

// Service coordinates the registry, composer, gate and engine.
type Service struct {
	registry *tile.Registry
	composer *prompt.Composer
	gate     *gate.Gate
	engine   engine.Engine
	events   EventSink
	cfg      Config

	fallbacks atomic.Uint64
	newSeed   func() uint64
}

// New validates deps and prepares the upload directory.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Composer == nil:
		return nil, errors.New("orchestrator: composer is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: gate is required")
	case deps.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	}
	if cfg.InputDir == "" {
		cfg.InputDir = "input"
	}
	if cfg.Seed == (engine.Sampling{}) {
		cfg.Seed = engine.DefaultSeedSampling()
	}
	if cfg.Inpaint == (engine.Sampling{}) {
		cfg.Inpaint = engine.DefaultInpaintSampling()
	}
	if err := os.MkdirAll(cfg.InputDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create input dir: %w", err)
	}
	return &Service{
		registry: deps.Registry,
		composer: deps.Composer,
		gate:     deps.Gate,
		engine:   deps.Engine,
		events:   deps.Events,
		cfg:      cfg,
		newSeed:  randomSeed,
	}, nil
}

// randomSeed is uniform over [1, 2^64-1].
func randomSeed() uint64 {
	return rand.Uint64N(math.MaxUint64) + 1
}

// Seed generates the origin tile. A second call overwrites the stored prompt.
func (s *Service) Seed(ctx context.Context, req SeedRequest) (*Result, error) {
	start := time.Now()
	target := tile.Origin

	prompts, err := s.composer.ComposeSeed(ctx, req.Description)
	if err != nil {
		return nil, fmt.Errorf("%w: compose seed prompt: %w", ErrUpstream, err)
	}
	prompts = prompts.WithNegative(req.NegativeOverride)

	sampling := s.cfg.Seed
	sampling.Seed = s.newSeed()
	image, err := s.generate(ctx, engine.Request{
		Target:   target,
		Positive: prompts.Positive,
		Negative: prompts.Negative,
		Sampling: sampling,
	})
	if err != nil {
		s.composer.Retract(prompts)
		return nil, err
	}

	s.store(TileEvent{Kind: EventSeed, Coord: target, Prompt: prompts.Positive})
	return &Result{
		Coord:    target,
		Image:    image,
		Prompts:  prompts,
		Seed:     sampling.Seed,
		Duration: time.Since(start),
	}, nil
}

// Extend generates the tile at req.Target by inpainting from the uploaded
// source image. A source tile with no stored prompt is not an error: the
// composer is given an empty prior description and the result is flagged.
func (s *Service) Extend(ctx context.Context, req ExtendRequest) (*Result, error) {
	start := time.Now()

	if !imaging.IsImageType(req.ContentType) {
		return nil, fmt.Errorf("%w: upload content type %q is not an image", ErrInvalidInput, req.ContentType)
	}
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}

	var dx, dy int
	if req.ShiftSource {
		var ok bool
		dx, dy, ok = shiftDelta(req.Source, req.Target, req.Direction)
		if !ok {
			return nil, fmt.Errorf("%w: cannot shift source %s toward %s", ErrInvalidInput, req.Source, req.Target)
		}
	}
	source, info, err := imaging.PrepareInpaintSource(req.Image, s.cfg.MaxSourcePixels, s.cfg.Inpaint.Width, s.cfg.Inpaint.Height, req.ShiftSource, dx, dy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if info.MaskRatio == 0 {
		logger.Warning("inpaint source has no transparent pixels", "target", req.Target.Key())
	}

	sourcePrompt, found := s.registry.Get(req.Source)
	if !found {
		s.fallbacks.Add(1)
		logger.Warning("source tile has no stored prompt, extending from an empty description",
			"source", req.Source.Key(), "target", req.Target.Key())
	}

	prompts, err := s.composer.ComposeExtension(ctx, prompt.ExtensionInput{
		SourcePrompt: sourcePrompt,
		Direction:    req.Direction,
		Description:  req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: compose extension prompt: %w", ErrUpstream, err)
	}
	prompts = prompts.WithNegative(req.NegativeOverride)

	name, stored, err := s.stageUpload(req.Target, source)
	if err != nil {
		s.composer.Retract(prompts)
		return nil, err
	}

	sampling := s.cfg.Inpaint
	sampling.Seed = s.newSeed()
	image, err := s.generate(ctx, engine.Request{
		Target:     req.Target,
		Positive:   prompts.Positive,
		Negative:   prompts.Negative,
		Source:     stored,
		SourceName: name,
		Sampling:   sampling,
	})
	if err != nil {
		s.composer.Retract(prompts)
		return nil, err
	}

	src := req.Source
	s.store(TileEvent{
		Kind:      EventExtend,
		Coord:     req.Target,
		Prompt:    prompts.Positive,
		Source:    &src,
		Direction: req.Direction,
		Fallback:  !found,
	})
	return &Result{
		Coord:    req.Target,
		Image:    image,
		Prompts:  prompts,
		Seed:     sampling.Seed,
		Fallback: !found,
		Duration: time.Since(start),
	}, nil
}

// stageUpload writes the prepared source to a coordinate-derived file and
// reads it back. Concurrent requests for different targets never share a
// file name.
func (s *Service) stageUpload(target tile.Coord, data []byte) (string, []byte, error) {
	name := fmt.Sprintf("temp%d_%d.png", target.X, target.Y)
	path := filepath.Join(s.cfg.InputDir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("%w: write %s: %w", ErrFilesystem, path, err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil, fmt.Errorf("%w: %s missing after write: %w", ErrFilesystem, path, err)
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read back %s: %w", ErrFilesystem, path, err)
	}
	return name, stored, nil
}

// generate runs one engine pass while holding the gate. Gate errors are
// returned unchanged so callers can tell a timeout from an engine failure.
func (s *Service) generate(ctx context.Context, req engine.Request) ([]byte, error) {
	var (
		image    []byte
		acquired bool
	)
	err := s.gate.DoFor(ctx, req.Target.Key(), func(ctx context.Context) error {
		acquired = true
		out, err := s.engine.Generate(ctx, req)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return engine.ErrNoImage
		}
		image = out
		return nil
	})
	if err == nil {
		return image, nil
	}
	if !acquired {
		logger.Warning("gate not acquired", "tile", req.Target.Key(), "error", err)
		return nil, err
	}
	logger.Error("image generation failed", "engine", s.engine.Name(), "tile", req.Target.Key(), "error", err)
	return nil, fmt.Errorf("%w: %s: %w", ErrUpstream, s.engine.Name(), err)
}

func (s *Service) store(ev TileEvent) {
	s.registry.Put(ev.Coord, ev.Prompt)
	ev.Key = ev.Coord.Key()
	logger.Audit("tile prompt stored", "tile", ev.Key, "kind", string(ev.Kind), "fallback", ev.Fallback)
	if s.events != nil {
		s.events.Publish(ev)
	}
}

// Stats returns counters for the status endpoint.
func (s *Service) Stats() Stats {
	return Stats{
		Engine:    s.engine.Name(),
		Composer:  string(s.composer.Mode()),
		Tiles:     s.registry.Len(),
		Fallbacks: s.fallbacks.Load(),
		Gate:      s.gate.Stats(),
	}
}

// Registry returns the registry the service writes to.
func (s *Service) Registry() *tile.Registry {
	return s.registry
}

// shiftDelta picks the grid step used to half-shift a source tile. Adjacent
// coordinates decide it; otherwise the direction label is used.
func shiftDelta(src, dst tile.Coord, direction string) (int, int, bool) {
	if d := tile.DirectionBetween(src, dst); d != "" {
		return d.Delta()
	}
	return tile.ParseDirection(direction).Delta()
}
