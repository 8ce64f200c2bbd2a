package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/lawnchairsociety/tileforge/internal/imaging"
)

// inpaintInstruction is sent with the source image on extension passes.
const inpaintInstruction = "Fill the fully transparent area of the attached pixel-art tile " +
	"so it continues the opaque area seamlessly. Keep every opaque pixel unchanged " +
	"and return the whole tile as one image."

type imageGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini generates tiles with a Gemini image model. It has no sampler or
// scheduler; only the seed and canvas size of Sampling are used.
type Gemini struct {
	models imageGenerator
	model  string
}

// NewGemini creates a Gemini image engine authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini image: api key is required")
	}
	if model == "" {
		return nil, errors.New("gemini image: model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini image: create client: %w", err)
	}
	return &Gemini{models: client.Models, model: model}, nil
}

// Name implements Engine.
func (g *Gemini) Name() string { return "gemini:" + g.model }

// Warmup is a no-op; the hosted model needs no loading.
func (g *Gemini) Warmup(context.Context) error { return nil }

// Generate sends the prompt pair, plus the source image when inpainting, and
// returns the first inline image normalised to a PNG of the canvas size.
func (g *Gemini) Generate(ctx context.Context, req Request) ([]byte, error) {
	text := req.Positive
	if req.Negative != "" {
		text += "\nAvoid: " + req.Negative
	}
	parts := []*genai.Part{}
	if req.Inpaint() {
		parts = append(parts,
			genai.NewPartFromText(inpaintInstruction),
			genai.NewPartFromBytes(req.Source, "image/png"),
		)
	}
	parts = append(parts, genai.NewPartFromText(text))

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
		Seed:               seedToInt32(req.Sampling.Seed),
	}
	resp, err := g.models.GenerateContent(ctx, g.model, []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}, config)
	if err != nil {
		return nil, err
	}

	data, err := firstInlineImage(resp)
	if err != nil {
		return nil, err
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	w, h := req.Sampling.Width, req.Sampling.Height
	if w <= 0 || h <= 0 {
		b := img.Bounds()
		w, h = b.Dx(), b.Dy()
	}
	return imaging.EncodePNG(imaging.Fit(img, w, h))
}

func firstInlineImage(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, ErrNoImage
	}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			if strings.HasPrefix(part.InlineData.MIMEType, "image/") && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
		}
	}
	if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("gemini image: generation stopped: %s", candidate.FinishReason)
	}
	return nil, ErrNoImage
}

// seedToInt32 folds the 64-bit seed into the range the API accepts.
func seedToInt32(seed uint64) *int32 {
	v := int32(seed ^ (seed >> 32))
	return &v
}
