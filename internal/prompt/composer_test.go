package prompt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	mu       sync.Mutex
	reply    string
	err       error
	messages  []string
	forgotten []string
}

func (f *fakeChat) Chat(_ context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return f.reply, f.err
}

func (f *fakeChat) Forget(message, reply string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, message+" => "+reply)
	return true
}

func (f *fakeChat) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"static", ModeStatic, false},
		{"", ModeStatic, false},
		{"LLM", ModeLLM, false},
		{" llm ", ModeLLM, false},
		{"gpt", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewComposerRequiresChatInLLMMode(t *testing.T) {
	_, err := NewComposer(Config{Mode: ModeLLM}, nil)
	assert.Error(t, err)

	c, err := NewComposer(Config{Mode: ModeStatic}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeStatic, c.Mode())
}

func TestStaticSeed(t *testing.T) {
	c, err := NewComposer(Config{}, nil)
	require.NoError(t, err)

	p, err := c.ComposeSeed(context.Background(), "desert canyon")
	require.NoError(t, err)
	assert.Equal(t, Baseline+", desert canyon", p.Positive)
	assert.Equal(t, DefaultNegative, p.Negative)
}

func TestStaticSeedDefaultDescription(t *testing.T) {
	c, err := NewComposer(Config{}, nil)
	require.NoError(t, err)

	p, err := c.ComposeSeed(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, Baseline+", "+DefaultSeedDescription, p.Positive)
}

func TestStaticIsPure(t *testing.T) {
	chat := &fakeChat{reply: "should never be used"}
	c, err := NewComposer(Config{Mode: ModeStatic}, chat)
	require.NoError(t, err)

	inputs := []string{"forest", "snowy pass", "", "forest"}
	var first []Prompts
	for round := 0; round < 2; round++ {
		for i, in := range inputs {
			p, err := c.ComposeExtension(context.Background(), ExtensionInput{
				SourcePrompt: "ignored in static mode " + strings.Repeat("x", round),
				Direction:    "east",
				Description:  in,
			})
			require.NoError(t, err)
			if round == 0 {
				first = append(first, p)
			} else {
				assert.Equal(t, first[i], p, "input %q", in)
			}
		}
	}
	assert.Equal(t, first[0], first[3])
	assert.Empty(t, chat.messages, "static mode must not call the language model")
}

func TestStaticCustomBaselineAndNegative(t *testing.T) {
	c, err := NewComposer(Config{Baseline: "16-bit", Negative: "blurry"}, nil)
	require.NoError(t, err)

	p, err := c.ComposeExtension(context.Background(), ExtensionInput{Description: "lake"})
	require.NoError(t, err)
	assert.Equal(t, Prompts{Positive: "16-bit, lake", Negative: "blurry"}, p)
}

func TestWithNegative(t *testing.T) {
	p := Prompts{Positive: "a", Negative: "b"}
	assert.Equal(t, "b", p.WithNegative("").Negative)
	assert.Equal(t, "b", p.WithNegative("   ").Negative)
	assert.Equal(t, "c", p.WithNegative("c").Negative)
}

func TestLLMSeed(t *testing.T) {
	chat := &fakeChat{reply: "  rolling dunes, sandstone arches  "}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	p, err := c.ComposeSeed(context.Background(), "desert canyon")
	require.NoError(t, err)
	assert.Equal(t, "Help me create a top-view image prompt based on this: desert canyon", chat.last())
	assert.Equal(t, Baseline+", rolling dunes, sandstone arches", p.Positive)
	assert.Equal(t, DefaultNegative, p.Negative)
}

func TestLLMExtensionContainsSourceAndDirection(t *testing.T) {
	chat := &fakeChat{reply: "desert canyon opening to a dry riverbed"}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	p, err := c.ComposeExtension(context.Background(), ExtensionInput{
		SourcePrompt: "desert canyon",
		Direction:    "east",
	})
	require.NoError(t, err)

	sent := chat.last()
	assert.Contains(t, sent, "desert canyon")
	assert.Contains(t, sent, "moves east?")
	assert.Contains(t, sent, "don't be too creative")
	assert.NotContains(t, sent, "Additional guidance")
	assert.Equal(t, Baseline+", desert canyon opening to a dry riverbed", p.Positive)
}

func TestLLMExtensionWithoutDirection(t *testing.T) {
	chat := &fakeChat{reply: "x"}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	_, err = c.ComposeExtension(context.Background(), ExtensionInput{SourcePrompt: "swamp"})
	require.NoError(t, err)
	assert.NotContains(t, chat.last(), "moves")
	assert.Contains(t, chat.last(), "next scene")
}

func TestLLMExtensionAppendsDescription(t *testing.T) {
	chat := &fakeChat{reply: "x"}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	_, err = c.ComposeExtension(context.Background(), ExtensionInput{
		SourcePrompt: "swamp",
		Direction:    "Up",
		Description:  "add a wooden bridge",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(chat.last(), "Additional guidance for the new scene: add a wooden bridge"))
}

func TestLLMEmptySourcePrompt(t *testing.T) {
	chat := &fakeChat{reply: "open plains"}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	p, err := c.ComposeExtension(context.Background(), ExtensionInput{Direction: "Left"})
	require.NoError(t, err)
	assert.Equal(t, Baseline+", open plains", p.Positive)
}

func TestLLMFailurePropagates(t *testing.T) {
	boom := errors.New("connection refused")
	chat := &fakeChat{err: boom}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	_, err = c.ComposeSeed(context.Background(), "forest")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = c.ComposeExtension(context.Background(), ExtensionInput{SourcePrompt: "forest", Direction: "Up"})
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestLLMEmptyReplyIsFailure(t *testing.T) {
	c, err := NewComposer(Config{Mode: ModeLLM}, &fakeChat{reply: "   "})
	require.NoError(t, err)

	_, err = c.ComposeSeed(context.Background(), "forest")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestLLMDeterministicForSameReply(t *testing.T) {
	chat := &fakeChat{reply: "same"}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	in := ExtensionInput{SourcePrompt: "tundra", Direction: "north"}
	a, err := c.ComposeExtension(context.Background(), in)
	require.NoError(t, err)
	b, err := c.ComposeExtension(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, chat.messages[0], chat.messages[1])
}

func TestRetractForgetsLLMExchange(t *testing.T) {
	chat := &fakeChat{reply: "dunes"}
	c, err := NewComposer(Config{Mode: ModeLLM}, chat)
	require.NoError(t, err)

	p, err := c.ComposeExtension(context.Background(), ExtensionInput{SourcePrompt: "desert", Direction: "east"})
	require.NoError(t, err)

	c.Retract(p.WithNegative("blurry"))
	require.Len(t, chat.forgotten, 1)
	assert.Equal(t, chat.last()+" => dunes", chat.forgotten[0])
}

func TestRetractIgnoresStaticPrompts(t *testing.T) {
	chat := &fakeChat{reply: "dunes"}
	c, err := NewComposer(Config{Mode: ModeStatic}, chat)
	require.NoError(t, err)

	p, err := c.ComposeSeed(context.Background(), "")
	require.NoError(t, err)
	c.Retract(p)
	assert.Empty(t, chat.forgotten)
}
