package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeBackend struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]Turn
	systems []string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(_ context.Context, system string, history []Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]Turn(nil), history...))
	f.systems = append(f.systems, system)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "default reply", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func TestNewChatValidation(t *testing.T) {
	_, err := NewChat(nil, "", 0)
	assert.Error(t, err)

	c, err := NewChat(&fakeBackend{}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemInstruction, c.system)
	assert.Equal(t, DefaultHistoryLimit, c.limit)
}

func TestChatKeepsHistoryAndStripsQuotes(t *testing.T) {
	backend := &fakeBackend{replies: []string{`"sandy dunes, cacti"`, "  rocky mesa  "}}
	c, err := NewChat(backend, "be brief", 10)
	require.NoError(t, err)

	r1, err := c.Chat(context.Background(), "first")
	require.NoError(t, err)
	assert.Equal(t, "sandy dunes, cacti", r1)

	r2, err := c.Chat(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "rocky mesa", r2)

	require.Len(t, backend.calls, 2)
	assert.Equal(t, []Turn{{RoleUser, "first"}}, backend.calls[0])
	assert.Equal(t, []Turn{
		{RoleUser, "first"},
		{RoleAssistant, "sandy dunes, cacti"},
		{RoleUser, "second"},
	}, backend.calls[1])
	assert.Equal(t, "be brief", backend.systems[0])
	assert.Len(t, c.History(), 4)
}

func TestChatFailureNotRecorded(t *testing.T) {
	backend := &fakeBackend{err: errors.New("timeout")}
	c, err := NewChat(backend, "", 0)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake")
	assert.Empty(t, c.History())
}

func TestChatEmptyReply(t *testing.T) {
	c, err := NewChat(&fakeBackend{replies: []string{`""`}}, "", 0)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Empty(t, c.History())
}

func TestChatHistoryBounded(t *testing.T) {
	backend := &fakeBackend{}
	c, err := NewChat(backend, "", 5)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := c.Chat(context.Background(), fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	h := c.History()
	assert.LessOrEqual(t, len(h), 5)
	assert.Equal(t, 0, len(h)%2)
	assert.Equal(t, RoleUser, h[0].Role, "history must start with a user turn")
	assert.Equal(t, "msg 5", h[len(h)-2].Text)
}

func TestChatForget(t *testing.T) {
	backend := &fakeBackend{replies: []string{"meadow", "canyon", "meadow"}}
	c, err := NewChat(backend, "", 0)
	require.NoError(t, err)

	for _, msg := range []string{"north", "east", "north"} {
		_, err := c.Chat(context.Background(), msg)
		require.NoError(t, err)
	}

	assert.True(t, c.Forget("east", "canyon"))
	assert.Equal(t, []Turn{
		{Role: RoleUser, Text: "north"}, {Role: RoleAssistant, Text: "meadow"},
		{Role: RoleUser, Text: "north"}, {Role: RoleAssistant, Text: "meadow"},
	}, c.History())

	assert.True(t, c.Forget("north", "meadow"))
	assert.Len(t, c.History(), 2, "only the latest matching exchange is removed")
	assert.False(t, c.Forget("east", "canyon"))
}

func TestChatReset(t *testing.T) {
	c, err := NewChat(&fakeBackend{}, "", 0)
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "x")
	require.NoError(t, err)
	c.Reset()
	assert.Empty(t, c.History())
}

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: string(genai.RoleModel)}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
	}
}

func TestNewGeminiValidation(t *testing.T) {
	_, err := NewGemini(context.Background(), "", "gemini-2.5-flash", DefaultOptions())
	assert.Error(t, err)
	_, err = NewGemini(context.Background(), "key", "", DefaultOptions())
	assert.Error(t, err)
}

func TestGeminiComplete(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse("lush ", "forest")}
	g := &Gemini{models: gen, model: "gemini-2.5-flash", opts: DefaultOptions()}

	out, err := g.Complete(context.Background(), "sys", []Turn{
		{RoleUser, "a"}, {RoleAssistant, "b"}, {RoleUser, "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lush forest", out)

	assert.Equal(t, "gemini-2.5-flash", gen.model)
	require.Len(t, gen.contents, 3)
	assert.Equal(t, string(genai.RoleModel), gen.contents[1].Role)
	assert.Equal(t, "c", gen.contents[2].Parts[0].Text)
	require.NotNil(t, gen.config.SystemInstruction)
	assert.Equal(t, "sys", gen.config.SystemInstruction.Parts[0].Text)
	assert.Equal(t, float32(0.8), *gen.config.Temperature)
	assert.Equal(t, float32(0.9), *gen.config.TopP)
	assert.Equal(t, int32(150), gen.config.MaxOutputTokens)
	assert.Equal(t, "gemini:gemini-2.5-flash", g.Name())
}

func TestGeminiCompleteErrors(t *testing.T) {
	boom := errors.New("quota")
	g := &Gemini{models: &fakeGenerator{err: boom}, model: "m"}
	_, err := g.Complete(context.Background(), "", []Turn{{RoleUser, "x"}})
	assert.ErrorIs(t, err, boom)

	g.models = &fakeGenerator{resp: &genai.GenerateContentResponse{}}
	_, err = g.Complete(context.Background(), "", []Turn{{RoleUser, "x"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)

	g.models = &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}}
	_, err = g.Complete(context.Background(), "", []Turn{{RoleUser, "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(genai.FinishReasonSafety))
}

type fakeOllama struct {
	req   *api.ChatRequest
	reply string
	err   error
}

func (f *fakeOllama) Chat(_ context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	f.req = req
	if f.err != nil {
		return f.err
	}
	return fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: f.reply}, Done: true})
}

func TestOllamaComplete(t *testing.T) {
	fake := &fakeOllama{reply: "snowy pine forest"}
	o := &Ollama{client: fake, model: "mistral", opts: DefaultOptions()}

	out, err := o.Complete(context.Background(), "sys", []Turn{{RoleUser, "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "snowy pine forest", out)

	require.NotNil(t, fake.req)
	assert.Equal(t, "mistral", fake.req.Model)
	require.NotNil(t, fake.req.Stream)
	assert.False(t, *fake.req.Stream)
	require.Len(t, fake.req.Messages, 2)
	assert.Equal(t, "system", fake.req.Messages[0].Role)
	assert.Equal(t, "user", fake.req.Messages[1].Role)
	assert.Equal(t, 150, fake.req.Options["num_predict"])
}

func TestOllamaCompleteErrors(t *testing.T) {
	boom := errors.New("connection refused")
	o := &Ollama{client: &fakeOllama{err: boom}, model: "m"}
	_, err := o.Complete(context.Background(), "", []Turn{{RoleUser, "x"}})
	assert.ErrorIs(t, err, boom)

	o.client = &fakeOllama{reply: ""}
	_, err = o.Complete(context.Background(), "", []Turn{{RoleUser, "x"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOllamaOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ChatResponse{
			Model:   req.Model,
			Message: api.Message{Role: "assistant", Content: "reply for " + req.Messages[len(req.Messages)-1].Content},
			Done:    true,
		})
	}))
	defer srv.Close()

	o, err := NewOllama(srv.URL, "mistral", DefaultOptions())
	require.NoError(t, err)

	out, err := o.Complete(context.Background(), "sys", []Turn{{RoleUser, "desert"}})
	require.NoError(t, err)
	assert.Equal(t, "reply for desert", out)
}

func TestNewOllamaRequiresModel(t *testing.T) {
	_, err := NewOllama("http://localhost:11434", "", DefaultOptions())
	assert.Error(t, err)
}
