// Package prompt derives the positive and negative prompts for a tile, either
// from fixed templates or by asking a language model to continue the scene of
// the neighbouring tile.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrLLMUnavailable is returned when the language model fails in llm mode.
// There is no fallback to the static prompt.
var ErrLLMUnavailable = errors.New("prompt: language model unavailable")

// Mode selects how positive prompts are derived.
type Mode string

const (
	ModeStatic Mode = "static"
	ModeLLM    Mode = "llm"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStatic, "":
		return ModeStatic, nil
	case ModeLLM:
		return ModeLLM, nil
	default:
		return "", fmt.Errorf("unknown composer mode %q", s)
	}
}

// Chatter is a stateful chat model. llm.Chat implements it.
type Chatter interface {
	Chat(ctx context.Context, message string) (string, error)
}

// Forgetter is a Chatter that can drop an exchange from its history.
type Forgetter interface {
	Forget(message, reply string) bool
}

// Prompts is the pair sent to the image engine.
type Prompts struct {
	Positive string
	Negative string

	// exchange is the chat turn that produced Positive in llm mode.
	exchange *exchange
}

type exchange struct {
	message string
	reply   string
}

// WithNegative returns p with its negative prompt replaced when override is set.
func (p Prompts) WithNegative(override string) Prompts {
	if strings.TrimSpace(override) != "" {
		p.Negative = override
	}
	return p
}

// ExtensionInput describes the tile being extended from.
type ExtensionInput struct {
	// SourcePrompt is the stored prompt of the source tile, empty on a miss.
	SourcePrompt string
	// Direction is the movement label as the client sent it.
	Direction string
	// Description is the caller-supplied prompt fragment, possibly empty.
	Description string
}

// Config configures a Composer. Empty strings take the package defaults.
type Config struct {
	Mode                     Mode
	Baseline                 string
	Negative                 string
	DefaultSeedDescription   string
	DefaultExtendDescription string
}

// Composer builds tile prompts. It holds no mutable state of its own; in llm
// mode any conversational state lives in the Chatter.
type Composer struct {
	mode          Mode
	baseline      string
	negative      string
	seedDefault   string
	extendDefault string
	chat          Chatter
}

// NewComposer validates cfg. chat is required in llm mode and ignored otherwise.
func NewComposer(cfg Config, chat Chatter) (*Composer, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if mode == ModeLLM && chat == nil {
		return nil, fmt.Errorf("composer mode %q requires a language model", mode)
	}

	c := &Composer{
		mode:          mode,
		baseline:      firstNonEmpty(cfg.Baseline, Baseline),
		negative:      firstNonEmpty(cfg.Negative, DefaultNegative),
		seedDefault:   firstNonEmpty(cfg.DefaultSeedDescription, DefaultSeedDescription),
		extendDefault: firstNonEmpty(cfg.DefaultExtendDescription, DefaultExtendDescription),
	}
	if mode == ModeLLM {
		c.chat = chat
	}
	return c, nil
}

// Mode returns the configured mode.
func (c *Composer) Mode() Mode { return c.mode }

// ComposeSeed builds the prompts for the origin tile.
func (c *Composer) ComposeSeed(ctx context.Context, description string) (Prompts, error) {
	description = firstNonEmpty(description, c.seedDefault)

	if c.mode == ModeStatic {
		return Prompts{Positive: c.prefixed(description), Negative: c.negative}, nil
	}
	return c.ask(ctx, SeedInstruction(description))
}

// ComposeExtension builds the prompts for a tile adjacent to in's source.
func (c *Composer) ComposeExtension(ctx context.Context, in ExtensionInput) (Prompts, error) {
	if c.mode == ModeStatic {
		description := firstNonEmpty(in.Description, c.extendDefault)
		return Prompts{Positive: c.prefixed(description), Negative: c.negative}, nil
	}
	return c.ask(ctx, ExtensionInstruction(in))
}

func (c *Composer) ask(ctx context.Context, instruction string) (Prompts, error) {
	reply, err := c.chat.Chat(ctx, instruction)
	if err != nil {
		return Prompts{}, fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}
	if strings.TrimSpace(reply) == "" {
		return Prompts{}, fmt.Errorf("%w: empty reply", ErrLLMUnavailable)
	}
	return Prompts{
		Positive: c.prefixed(reply),
		Negative: c.negative,
		exchange: &exchange{message: instruction, reply: reply},
	}, nil
}

// Retract removes the chat exchange that produced p, for prompts whose tile
// was never generated. It does nothing for static prompts or when the chat
// keeps no history.
func (c *Composer) Retract(p Prompts) {
	if p.exchange == nil {
		return
	}
	if f, ok := c.chat.(Forgetter); ok {
		f.Forget(p.exchange.message, p.exchange.reply)
	}
}

func (c *Composer) prefixed(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return c.baseline
	}
	return c.baseline + ", " + s
}

// SeedInstruction is the chat message asking for the origin tile's prompt.
func SeedInstruction(description string) string {
	return "Help me create a top-view image prompt based on this: " + description
}

// ExtensionInstruction is the chat message asking for a continuation of the
// source tile's scene. It quotes the source prompt and the direction verbatim.
func ExtensionInstruction(in ExtensionInput) string {
	var b strings.Builder
	b.WriteString("The scene that the player currently is in is a scene generated with this prompt: ")
	b.WriteString(in.SourcePrompt)
	b.WriteString(" I want to create a scene that is connected to this scene. But don't be too creative. ")
	b.WriteString("The scene should be connected to the current scene.")

	if dir := strings.TrimSpace(in.Direction); dir != "" {
		b.WriteString(" What would be the prompt for the scene when the player moves ")
		b.WriteString(dir)
		b.WriteString("?")
	} else {
		b.WriteString(" What would be the prompt for the next scene?")
	}

	if desc := strings.TrimSpace(in.Description); desc != "" {
		b.WriteString(" Additional guidance for the new scene: ")
		b.WriteString(desc)
	}
	return b.String()
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
