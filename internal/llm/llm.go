// Package llm wraps chat language models behind a small Backend interface and
// keeps the multi-turn history the prompt composer relies on.
package llm

import (
	"context"
	"errors"
)

// Role of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation.
type Turn struct {
	Role Role
	Text string
}

// Options are the sampling settings passed to every completion.
type Options struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// DefaultOptions mirror the settings the tile prompts were tuned with.
func DefaultOptions() Options {
	return Options{Temperature: 0.8, TopP: 0.9, MaxTokens: 150}
}

// DefaultSystemInstruction frames the model as a level designer that answers
// with a single text-to-image prompt.
const DefaultSystemInstruction = "You are a helpful landscape architecture assistant that designs a game. " +
	"Your goal is to give a prompt for generating a 2D pixel game stage design. " +
	"The prompt will be used for generating art with a text-to-image model. " +
	"Design the prompt so that the text-to-image model generates a top-down view, satellite view image for the pixel game. " +
	"You will sometimes be given the direction of the user heading to a certain direction. " +
	"Do not include any information about what the user is doing in the scene. " +
	"Your job is to ONLY give a prompt sentence for generating an image in the text-to-image model. " +
	"Like any good engineered prompt, the sentence prompt should be clear and concise comprised of descriptive words with commas. " +
	"Only give me prompt sentence for generating the scene. Add no other instructions or title. " +
	"Do not include any information on whether the scene is extending. " +
	"Just give me the scene that should be seen there."

// ErrEmptyResponse is returned when a backend answers without text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Backend completes a conversation. history ends with the user turn to answer.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system string, history []Turn) (string, error)
}
