package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lawnchairsociety/tileforge/internal/logger"
)

// ComfyUIConfig configures a ComfyUI engine.
type ComfyUIConfig struct {
	BaseURL      string
	Models       Models
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// ComfyUI runs the tile workflow on a ComfyUI server. Progress is followed on
// the server's websocket; if that cannot be opened the history endpoint is
// polled instead.
type ComfyUI struct {
	base     *url.URL
	models   Models
	timeout  time.Duration
	poll     time.Duration
	client   *http.Client
	clientID string
	dialer   *websocket.Dialer
}

// NewComfyUI validates cfg and returns an engine. No request is made until
// Warmup or Generate.
func NewComfyUI(cfg ComfyUIConfig) (*ComfyUI, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid comfyui url %q", cfg.BaseURL)
	}
	if cfg.Models.Checkpoint == "" {
		return nil, errors.New("comfyui checkpoint is required")
	}
	c := &ComfyUI{
		base:     base,
		models:   cfg.Models,
		timeout:  cfg.Timeout,
		poll:     cfg.PollInterval,
		client:   cfg.HTTPClient,
		clientID: uuid.NewString(),
		dialer:   websocket.DefaultDialer,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.poll <= 0 {
		c.poll = 500 * time.Millisecond
	}
	return c, nil
}

// Name implements Engine.
func (c *ComfyUI) Name() string { return "comfyui" }

// Warmup checks that the server is reachable and has the configured
// checkpoint and LoRA installed.
func (c *ComfyUI) Warmup(ctx context.Context) error {
	if err := c.requireOption(ctx, "CheckpointLoaderSimple", "ckpt_name", c.models.Checkpoint); err != nil {
		return err
	}
	if c.models.LoRA == "" {
		return nil
	}
	return c.requireOption(ctx, "LoraLoader", "lora_name", c.models.LoRA)
}

// requireOption reads /object_info for a node class and checks that value is
// one of the choices listed for input.
func (c *ComfyUI) requireOption(ctx context.Context, class, input, value string) error {
	var info map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := c.getJSON(ctx, "/object_info/"+class, nil, &info); err != nil {
		return err
	}
	def, ok := info[class].Input.Required[input]
	if !ok || len(def) == 0 {
		return fmt.Errorf("comfyui: node %s has no input %s", class, input)
	}
	var choices []string
	if err := json.Unmarshal(def[0], &choices); err != nil {
		return fmt.Errorf("comfyui: unexpected %s.%s options: %w", class, input, err)
	}
	for _, ch := range choices {
		if ch == value {
			return nil
		}
	}
	return fmt.Errorf("comfyui: %s %q is not installed", input, value)
}

// Generate uploads the source when inpainting, queues the workflow, waits for
// it to finish and downloads the first saved image.
func (c *ComfyUI) Generate(ctx context.Context, req Request) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	sourceName := ""
	if req.Inpaint() {
		name, err := c.upload(ctx, req.SourceName, req.Source)
		if err != nil {
			return nil, err
		}
		sourceName = name
	}

	// Subscribe before queueing so the completion message cannot be missed.
	ws, err := c.dial(ctx)
	if err != nil {
		logger.Warning("comfyui websocket unavailable, polling history", "error", err)
	}
	if ws != nil {
		defer ws.Close()
	}

	promptID, err := c.queue(ctx, buildWorkflow(c.models, req, sourceName))
	if err != nil {
		return nil, err
	}
	logger.Debug("comfyui prompt queued", "prompt_id", promptID, "tile", req.Target.Key(), "inpaint", req.Inpaint())

	if ws != nil {
		if err := c.waitSocket(ctx, ws, promptID); err != nil {
			return nil, err
		}
	}
	// execution_success is sent before the prompt is written to history, so
	// the entry may still be missing for a moment after the socket reports it.
	outputs, err := c.pollHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}

	img, ok := outputs.firstImage()
	if !ok {
		return nil, ErrNoImage
	}
	return c.view(ctx, img)
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (c *ComfyUI) upload(ctx context.Context, name string, data []byte) (string, error) {
	if name == "" {
		name = "source.png"
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("comfyui upload: %w", err)
	}
	if out.Subfolder != "" {
		return out.Subfolder + "/" + out.Name, nil
	}
	return out.Name, nil
}

type queueResponse struct {
	PromptID   string          `json:"prompt_id"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

func (c *ComfyUI) queue(ctx context.Context, graph map[string]node) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out queueResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("comfyui queue: %w", err)
	}
	if out.PromptID == "" {
		return "", errors.New("comfyui queue: empty prompt id")
	}
	return out.PromptID, nil
}

func (c *ComfyUI) dial(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

type socketMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID         string  `json:"prompt_id"`
		Node             *string `json:"node"`
		ExceptionMessage string  `json:"exception_message"`
	} `json:"data"`
}

// waitSocket reads status messages until promptID finishes. Binary frames
// carry previews and are ignored.
func (c *ComfyUI) waitSocket(ctx context.Context, ws *websocket.Conn, promptID string) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("comfyui websocket: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Data.PromptID != promptID {
			continue
		}
		switch msg.Type {
		case "executing":
			if msg.Data.Node == nil {
				return nil
			}
		case "execution_success":
			return nil
		case "execution_error":
			return fmt.Errorf("comfyui execution failed: %s", msg.Data.ExceptionMessage)
		case "execution_interrupted":
			return errors.New("comfyui execution interrupted")
		}
	}
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry map[string]struct {
	Images []imageRef `json:"images"`
}

// firstImage returns the save node's image if present, else any image.
func (h historyEntry) firstImage() (imageRef, bool) {
	if out, ok := h[nodeSave]; ok && len(out.Images) > 0 {
		return out.Images[0], true
	}
	for _, out := range h {
		if len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	return imageRef{}, false
}

// history returns the outputs of promptID, or nil if it has not finished.
func (c *ComfyUI) history(ctx context.Context, promptID string) (historyEntry, error) {
	var body map[string]struct {
		Outputs historyEntry `json:"outputs"`
		Status  struct {
			StatusStr string `json:"status_str"`
			Completed bool   `json:"completed"`
		} `json:"status"`
	}
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), nil, &body); err != nil {
		return nil, err
	}
	entry, ok := body[promptID]
	if !ok {
		return nil, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, fmt.Errorf("comfyui prompt %s failed", promptID)
	}
	if entry.Outputs == nil {
		entry.Outputs = historyEntry{}
	}
	return entry.Outputs, nil
}

func (c *ComfyUI) pollHistory(ctx context.Context, promptID string) (historyEntry, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		out, err := c.history(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *ComfyUI) view(ctx context.Context, img imageRef) ([]byte, error) {
	q := url.Values{
		"filename":  {img.Filename},
		"subfolder": {img.Subfolder},
		"type":      {img.Type},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/view", q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfyui view: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfyui view: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfyui view: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	return data, nil
}

func (c *ComfyUI) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *ComfyUI) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, q), nil)
	if err != nil {
		return err
	}
	if err := c.do(req, out); err != nil {
		return fmt.Errorf("comfyui %s: %w", path, err)
	}
	return nil
}

func (c *ComfyUI) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
