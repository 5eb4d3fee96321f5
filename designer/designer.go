// Package designer asks a language model for a soft robot design and parses
// the reply into a validated design.RobotDesignSchema.
package designer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"backend-go-simulation-api/design"
	"backend-go-simulation-api/internal/logger"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"
)

type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
	ProviderGemini     Provider = "gemini"
	// ProviderMock returns a fixed two-actuator design without contacting any model.
	ProviderMock Provider = "mock"
)

const (
	defaultProvider       = ProviderMock
	defaultOllamaBaseURL  = "http://localhost:11434"
	defaultOpenRouterURL  = "https://openrouter.ai/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

// ErrNoDesign is returned when the model reply contains no JSON object.
var ErrNoDesign = errors.New("model reply contains no design")

// Config selects and configures the model provider.
type Config struct {
	Provider Provider
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// ConfigFromEnv reads DESIGNER_PROVIDER and the provider specific variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Provider: Provider(strings.ToLower(getEnv("DESIGNER_PROVIDER", string(defaultProvider)))),
		Timeout:  time.Duration(getEnvInt("DESIGNER_TIMEOUT_SECS", int(defaultRequestTimeout/time.Second))) * time.Second,
	}
	switch cfg.Provider {
	case ProviderOllama:
		cfg.BaseURL = getEnv("OLLAMA_BASE_URL", defaultOllamaBaseURL)
		cfg.Model = getEnv("OLLAMA_MODEL_NAME", "llama3")
	case ProviderOpenRouter:
		cfg.BaseURL = getEnv("OPENROUTER_BASE_URL", defaultOpenRouterURL)
		cfg.APIKey = os.Getenv("OPENROUTER_API_KEY")
		cfg.Model = getEnv("OPENROUTER_MODEL_NAME", "mistralai/mistral-7b-instruct:free")
	case ProviderGemini:
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		cfg.Model = getEnv("GEMINI_MODEL_NAME", "gemini-2.0-flash")
	}
	return cfg
}

// completer returns the raw model text for one system/user exchange.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
}

// Designer turns a natural language request into a robot design.
type Designer struct {
	provider Provider
	model    string
	timeout  time.Duration
	llm      completer
}

// New builds a Designer for cfg.Provider.
func New(ctx context.Context, cfg Config) (*Designer, error) {
	if cfg.Provider == "" {
		cfg.Provider = defaultProvider
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	d := &Designer{provider: cfg.Provider, model: cfg.Model, timeout: cfg.Timeout}

	switch cfg.Provider {
	case ProviderMock:
		d.model = "mock"
		d.llm = mockCompleter{}

	case ProviderOllama:
		oc := openai.DefaultConfig("")
		oc.BaseURL = normalizeOllamaBaseURL(cfg.BaseURL)
		oc.HTTPClient = newHTTPClient()
		d.llm = &chatCompleter{client: openai.NewClientWithConfig(oc), model: cfg.Model}

	case ProviderOpenRouter:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENROUTER_API_KEY is required when DESIGNER_PROVIDER=openrouter")
		}
		oc := openai.DefaultConfig(cfg.APIKey)
		oc.BaseURL = cfg.BaseURL
		if oc.BaseURL == "" {
			oc.BaseURL = defaultOpenRouterURL
		}
		oc.HTTPClient = newHTTPClient()
		d.llm = &chatCompleter{client: openai.NewClientWithConfig(oc), model: cfg.Model}

	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when DESIGNER_PROVIDER=gemini")
		}
		gc, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: newHTTPClient(),
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		d.llm = &geminiCompleter{client: gc, model: cfg.Model}

	default:
		return nil, fmt.Errorf("unsupported DESIGNER_PROVIDER=%q (supported: openrouter, ollama, gemini, mock)", cfg.Provider)
	}
	return d, nil
}

// Design asks the model for a design matching request. It returns the parsed
// design together with the raw reply so callers can show what the model said.
func (d *Designer) Design(ctx context.Context, request string) (*design.RobotDesignSchema, string, error) {
	lg := logger.NewContextLogger(ctx)
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	reply, err := d.llm.complete(callCtx, systemPrompt, userPrompt(request))
	if err != nil {
		lg.Error("designer_request_failed", "provider", d.provider, "model", d.model, "error", err)
		return nil, "", fmt.Errorf("%s designer: %w", d.provider, err)
	}
	lg.Info("designer_reply", "provider", d.provider, "model", d.model,
		"latency_ms", time.Since(start).Milliseconds(), "reply_bytes", len(reply))

	raw, ok := extractJSON(reply)
	if !ok {
		return nil, reply, ErrNoDesign
	}
	robot, err := design.Parse([]byte(raw))
	if err != nil {
		return nil, reply, err
	}
	return robot, reply, nil
}

// extractJSON pulls the first JSON object out of a model reply, tolerating
// code fences and surrounding prose.
func extractJSON(reply string) (string, bool) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

type chatCompleter struct {
	client *openai.Client
	model  string
}

func (c *chatCompleter) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("rate limited upstream: %w", err)
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

type geminiCompleter struct {
	client *genai.Client
	model  string
}

func (g *geminiCompleter) complete(ctx context.Context, system, user string) (string, error) {
	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: user}}},
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}

// newHTTPClient returns a pooled, traced client. Timeouts come from the
// request context.
func newHTTPClient() *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

func normalizeOllamaBaseURL(base string) string {
	if base == "" {
		base = defaultOllamaBaseURL
	}
	// The OpenAI-compatible endpoint lives under /v1.
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}
