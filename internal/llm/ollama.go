package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// chatClient is the subset of *api.Client used here.
type chatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Ollama completes conversations with a model served by a local Ollama daemon.
type Ollama struct {
	client chatClient
	model  string
	opts   Options
}

// NewOllama connects to host, or to OLLAMA_HOST when host is empty.
func NewOllama(host, model string, opts Options) (*Ollama, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}

	var client *api.Client
	if host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("ollama: parse host %q: %w", host, err)
		}
		client = api.NewClient(u, http.DefaultClient)
	}
	return &Ollama{client: client, model: model, opts: opts}, nil
}

func (o *Ollama) Name() string { return "ollama:" + o.model }

// Complete runs a non-streaming chat request.
func (o *Ollama) Complete(ctx context.Context, system string, history []Turn) (string, error) {
	messages := make([]api.Message, 0, len(history)+1)
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	for _, t := range history {
		messages = append(messages, api.Message{Role: string(t.Role), Content: t.Text})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": o.opts.Temperature,
			"top_p":       o.opts.TopP,
			"num_predict": o.opts.MaxTokens,
		},
	}

	var b strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}
