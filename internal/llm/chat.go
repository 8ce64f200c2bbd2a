package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultHistoryLimit bounds the number of remembered turns.
const DefaultHistoryLimit = 20

// Chat is a stateful conversation over a Backend. Calls are serialized so the
// history stays in user/assistant order.
type Chat struct {
	backend Backend
	system  string
	limit   int

	mu      sync.Mutex
	history []Turn
}

// NewChat creates a conversation. An empty system instruction uses
// DefaultSystemInstruction; limit <= 0 uses DefaultHistoryLimit.
func NewChat(backend Backend, system string, limit int) (*Chat, error) {
	if backend == nil {
		return nil, fmt.Errorf("llm: backend is required")
	}
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemInstruction
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Chat{backend: backend, system: system, limit: limit}, nil
}

// Chat sends message with the accumulated history and returns the reply with
// double quotes removed. Failed exchanges are not recorded.
func (c *Chat) Chat(ctx context.Context, message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	turns := make([]Turn, 0, len(c.history)+1)
	turns = append(turns, c.history...)
	turns = append(turns, Turn{Role: RoleUser, Text: message})

	reply, err := c.backend.Complete(ctx, c.system, turns)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.backend.Name(), err)
	}
	reply = strings.TrimSpace(strings.ReplaceAll(reply, `"`, ""))
	if reply == "" {
		return "", fmt.Errorf("%s: %w", c.backend.Name(), ErrEmptyResponse)
	}

	c.history = append(turns, Turn{Role: RoleAssistant, Text: reply})
	if over := len(c.history) - c.limit; over > 0 {
		// Drop whole exchanges so the history never starts with a reply.
		if over%2 == 1 {
			over++
		}
		c.history = append([]Turn(nil), c.history[over:]...)
	}
	return reply, nil
}

// Forget removes the most recent exchange of message and reply from the
// history. It reports false if no such exchange is remembered.
func (c *Chat) Forget(message, reply string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.history) - 2; i >= 0; i-- {
		user, assistant := c.history[i], c.history[i+1]
		if user.Role == RoleUser && user.Text == message &&
			assistant.Role == RoleAssistant && assistant.Text == reply {
			c.history = append(c.history[:i:i], c.history[i+2:]...)
			return true
		}
	}
	return false
}

// History returns a copy of the remembered turns.
func (c *Chat) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.history...)
}

// Reset forgets the conversation.
func (c *Chat) Reset() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}
