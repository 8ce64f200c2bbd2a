package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lawnchairsociety/tileforge/internal/database"
)

// ServerConfig holds server-wide configuration settings.
type ServerConfig struct {
	HTTP        HTTPConfig        `yaml:"http"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Auth        AuthConfig        `yaml:"auth"`
	Connections ConnectionsConfig `yaml:"connections"`
	Gate        GateConfig        `yaml:"gate"`
	Composer    ComposerConfig    `yaml:"composer"`
	LLM         LLMConfig         `yaml:"llm"`
	Engine      EngineConfig      `yaml:"engine"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Registry    RegistryConfig    `yaml:"registry"`
	Database    database.Config   `yaml:"database"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Address string `yaml:"address"`

	ReadHeaderTimeoutSeconds int `yaml:"read_header_timeout_seconds"`

	// ShutdownTimeoutSeconds bounds how long in-flight requests may finish
	// after a shutdown signal.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// MaxUploadBytes caps the multipart body of /inpaint.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// MaxImagePixels caps the width times height an uploaded image may
	// declare. The compressed size says nothing about the decoded size.
	MaxImagePixels int `yaml:"max_image_pixels"`

	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`
}

// WebSocketConfig holds settings for the tile event stream.
type WebSocketConfig struct {
	// AllowedOrigins is a list of origins allowed to connect via WebSocket.
	// Empty list enforces same-origin policy.
	// Use "*" to allow all origins (not recommended for production).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxMessageSize is the maximum inbound WebSocket message size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// PingSeconds is the keepalive ping interval.
	PingSeconds int `yaml:"ping_seconds"`
}

// AuthConfig protects the generation endpoints with a bearer key.
type AuthConfig struct {
	// APIKeyHash is a bcrypt hash of the key clients send as
	// "Authorization: Bearer <key>". Empty disables authentication.
	APIKeyHash string `yaml:"api_key_hash"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds lockout settings for failed key checks.
type RateLimitConfig struct {
	// MaxAttempts is the maximum failed attempts before lockout.
	MaxAttempts int `yaml:"max_attempts"`

	// LockoutSeconds is the initial lockout duration in seconds.
	LockoutSeconds int `yaml:"lockout_seconds"`

	// MaxLockoutSeconds is the maximum lockout duration (for exponential backoff).
	MaxLockoutSeconds int `yaml:"max_lockout_seconds"`
}

// ConnectionsConfig limits concurrent generation requests.
type ConnectionsConfig struct {
	// MaxPerIP is the maximum in-flight generation requests from one IP.
	// 0 means unlimited.
	MaxPerIP int `yaml:"max_per_ip"`

	// MaxTotal is the maximum in-flight generation requests overall.
	// 0 means unlimited.
	MaxTotal int `yaml:"max_total"`
}

// GateConfig sizes the generation resource gate.
type GateConfig struct {
	DevicePermits int `yaml:"device_permits"`

	// AcquireTimeoutSeconds bounds the wait for the device. 0 waits
	// indefinitely.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`
}

// ComposerConfig selects how prompts are written.
type ComposerConfig struct {
	// Mode is "static" or "llm".
	Mode                     string `yaml:"mode"`
	Baseline                 string `yaml:"baseline"`
	Negative                 string `yaml:"negative"`
	DefaultSeedDescription   string `yaml:"default_seed_description"`
	DefaultExtendDescription string `yaml:"default_extend_description"`
}

// LLMConfig configures the language model used in llm composer mode.
type LLMConfig struct {
	// Backend is "gemini" or "ollama".
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
	// Host is the Ollama server; empty uses OLLAMA_HOST.
	Host              string  `yaml:"host"`
	SystemInstruction string  `yaml:"system_instruction"`
	Temperature       float32 `yaml:"temperature"`
	TopP              float32 `yaml:"top_p"`
	MaxTokens         int     `yaml:"max_tokens"`
	HistoryLimit      int     `yaml:"history_limit"`

	// APIKey is read from GEMINI_API_KEY, never from the file.
	APIKey string `yaml:"-"`
}

// EngineConfig selects and configures the image engine.
type EngineConfig struct {
	// Kind is "comfyui", "gemini" or "static".
	Kind string `yaml:"kind"`

	ComfyUIURL        string  `yaml:"comfyui_url"`
	Checkpoint        string  `yaml:"checkpoint"`
	LoRA              string  `yaml:"lora"`
	LoRAStrengthModel float64 `yaml:"lora_strength_model"`
	LoRAStrengthClip  float64 `yaml:"lora_strength_clip"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`

	GeminiModel string `yaml:"gemini_model"`

	// StaticImage is returned for every request by the static engine.
	// Empty renders placeholder tiles.
	StaticImage string `yaml:"static_image"`

	// InputDir receives the staged inpaint sources.
	InputDir string `yaml:"input_dir"`

	// WarmupOnStart checks the engine before the listener opens.
	WarmupOnStart bool `yaml:"warmup_on_start"`
}

// SamplingConfig holds the diffusion settings shared by both passes.
type SamplingConfig struct {
	Steps      int     `yaml:"steps"`
	SeedCFG    float64 `yaml:"seed_cfg"`
	InpaintCFG float64 `yaml:"inpaint_cfg"`
	Sampler    string  `yaml:"sampler"`
	Scheduler  string  `yaml:"scheduler"`
	Denoise    float64 `yaml:"denoise"`
	GrowMaskBy int     `yaml:"grow_mask_by"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
}

// RegistryConfig controls where tile prompts are persisted.
type RegistryConfig struct {
	// Store is "json", "sqlite" or "postgres".
	Store string `yaml:"store"`

	// Path is the JSON snapshot file for the json store.
	Path string `yaml:"path"`

	RestoreOnStartup bool `yaml:"restore_on_startup"`

	// CheckpointIntervalSeconds adds periodic saves. 0 saves only at
	// shutdown.
	CheckpointIntervalSeconds int `yaml:"checkpoint_interval_seconds"`
}

// DefaultConfig returns a ServerConfig with secure defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		HTTP: HTTPConfig{
			Address:                  ":8000",
			ReadHeaderTimeoutSeconds: 10,
			ShutdownTimeoutSeconds:   30,
			MaxUploadBytes:           16 << 20,
			MaxImagePixels:           4096 * 4096,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: []string{}, // Same-origin only by default
			MaxMessageSize: 4096,
			PingSeconds:    30,
		},
		Auth: AuthConfig{
			RateLimit: RateLimitConfig{
				MaxAttempts:       5,
				LockoutSeconds:    30,
				MaxLockoutSeconds: 300,
			},
		},
		Connections: ConnectionsConfig{
			MaxPerIP: 2,
			MaxTotal: 32,
		},
		Gate: GateConfig{
			DevicePermits: 2,
		},
		Composer: ComposerConfig{
			Mode: "static",
		},
		LLM: LLMConfig{
			Backend:      "gemini",
			Model:        "gemini-2.5-flash",
			Temperature:  0.8,
			TopP:         0.9,
			MaxTokens:    150,
			HistoryLimit: 20,
		},
		Engine: EngineConfig{
			Kind:              "comfyui",
			ComfyUIURL:        "http://127.0.0.1:8188",
			Checkpoint:        "pixelXL_xl.safetensors",
			LoRA:              "pixel-art-xl-v1.1.safetensors",
			LoRAStrengthModel: 1,
			LoRAStrengthClip:  1,
			TimeoutSeconds:    300,
			GeminiModel:       "gemini-2.5-flash-image",
			InputDir:          "input",
			WarmupOnStart:     true,
		},
		Sampling: SamplingConfig{
			Steps:      10,
			SeedCFG:    2.98,
			InpaintCFG: 3,
			Sampler:    "ddim",
			Scheduler:  "karras",
			Denoise:    1,
			GrowMaskBy: 3,
			Width:      768,
			Height:     768,
		},
		Registry: RegistryConfig{
			Store: "json",
			Path:  "tile_prompts.json",
		},
		Database: database.DefaultConfig("data/tileforge.db"),
	}
}

// LoadConfig loads server configuration from a YAML file.
// A missing file yields the defaults. Secrets are then read from the
// environment.
func LoadConfig(path string) (*ServerConfig, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return config, err
		}
	} else if err := yaml.Unmarshal(data, config); err != nil {
		return DefaultConfig(), err
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv reads secrets and a few deployment overrides from the
// environment.
func (c *ServerConfig) ApplyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("TILEFORGE_DB_PASSWORD"); v != "" {
		c.Database.Postgres.Password = v
	}
	if v := os.Getenv("TILEFORGE_API_KEY_HASH"); v != "" {
		c.Auth.APIKeyHash = v
	}
	if v := os.Getenv("TILEFORGE_ADDR"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("COMFYUI_URL"); v != "" {
		c.Engine.ComfyUIURL = v
	}
	if v := os.Getenv("TILEFORGE_ENGINE"); v != "" {
		c.Engine.Kind = v
	}
	if v := os.Getenv("TILEFORGE_COMPOSER_MODE"); v != "" {
		c.Composer.Mode = v
	}
}

// Validate checks the enumerated settings.
func (c *ServerConfig) Validate() error {
	if err := oneOf("composer.mode", c.Composer.Mode, "static", "llm"); err != nil {
		return err
	}
	if err := oneOf("engine.kind", c.Engine.Kind, "comfyui", "gemini", "static"); err != nil {
		return err
	}
	if err := oneOf("registry.store", c.Registry.Store, "json", "sqlite", "postgres"); err != nil {
		return err
	}
	if c.Composer.Mode == "llm" {
		if err := oneOf("llm.backend", c.LLM.Backend, "gemini", "ollama"); err != nil {
			return err
		}
	}
	if c.Sampling.Width <= 0 || c.Sampling.Height <= 0 {
		return fmt.Errorf("sampling width and height must be positive, got %dx%d", c.Sampling.Width, c.Sampling.Height)
	}
	if c.HTTP.MaxImagePixels < 0 {
		return fmt.Errorf("http.max_image_pixels must not be negative")
	}
	if c.Gate.DevicePermits < 0 || c.Gate.AcquireTimeoutSeconds < 0 {
		return fmt.Errorf("gate settings must not be negative")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// AcquireTimeout returns the gate wait bound.
func (c *GateConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// CheckpointInterval returns the periodic save interval, 0 when disabled.
func (c *RegistryConfig) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSeconds) * time.Second
}

// IsOriginAllowed checks if the given origin is allowed based on the config.
// Returns true if:
// - AllowedOrigins contains "*" (allow all)
// - AllowedOrigins contains the exact origin
// - AllowedOrigins is empty and origin matches the request host (same-origin)
func (c *WebSocketConfig) IsOriginAllowed(origin, requestHost string) bool {
	if len(c.AllowedOrigins) == 0 {
		return isSameOrigin(origin, requestHost)
	}

	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// isSameOrigin checks if the origin matches the request host (same-origin policy).
func isSameOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true // No origin header means a non-browser client
	}

	originHost := origin
	if idx := strings.Index(origin, "://"); idx != -1 {
		originHost = origin[idx+3:]
	}
	originHost = strings.TrimSuffix(originHost, "/")

	return originHost == requestHost
}
