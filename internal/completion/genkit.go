package completion

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/minder/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Config selects the provider and model for the Genkit client.
type Config struct {
	// Provider is "google", "anthropic" or "openai". Empty means google.
	Provider string

	// Model is the provider-specific model name. Empty picks a per-provider
	// default.
	Model string

	// APIKey authenticates against the provider. When empty the environment
	// is consulted; if that is empty too the client runs offline.
	APIKey string

	// BaseURL overrides the provider endpoint (openai-compatible gateways,
	// anthropic proxies). Empty uses the provider default.
	BaseURL string

	// Temperature applied when a request does not set its own. Zero leaves
	// the provider default in place.
	Temperature float64
}

// GenkitClient drives completions through Genkit with the plugin selected
// by configuration. Without an API key it degrades to a deterministic
// offline reply, so the engine stays runnable end to end on a bare machine.
type GenkitClient struct {
	g           *genkit.Genkit
	provider    string
	model       string
	temperature float64
	llmOn       bool
	log         *slog.Logger
}

var _ Client = (*GenkitClient)(nil)

// NewGenkitClient initializes Genkit with the configured provider plugin.
// A missing API key is not an error: the client comes up in offline mode
// and every Stream call returns the deterministic fallback reply.
func NewGenkitClient(ctx context.Context, cfg Config, log *slog.Logger) *GenkitClient {
	if log == nil {
		log = slog.Default()
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("ANTHROPIC_BASE_URL")
			}
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: baseURL,
			}))
			llmOn = true
			log.Info("completion client ready", "provider", "anthropic", "model", model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("anthropic API key missing; deterministic offline replies active")
		}

	case "openai":
		if apiKey != "" {
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("OPENAI_BASE_URL")
			}
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  baseURL,
			}))
			llmOn = true
			log.Info("completion client ready", "provider", "openai", "model", model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("openai API key missing; deterministic offline replies active")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
			log.Info("completion client ready", "provider", "google", "model", "googleai/"+model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("google API key missing; deterministic offline replies active")
		}

	default:
		g = genkit.Init(ctx)
		log.Warn("unknown LLM provider; deterministic offline replies active", "provider", provider)
	}

	return &GenkitClient{
		g:           g,
		provider:    provider,
		model:       model,
		temperature: cfg.Temperature,
		llmOn:       llmOn,
		log:         log,
	}
}

// Online reports whether a real provider is wired up.
func (c *GenkitClient) Online() bool { return c.llmOn }

// Stream runs one completion, forwarding text chunks to onChunk as they
// arrive. The returned response holds the full accumulated text; when the
// provider only delivers a final message the done response supplies it.
func (c *GenkitClient) Stream(ctx context.Context, req Request, onChunk func(text string) error) (*Response, error) {
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}

	promptTokens := tokenutil.EstimateTokens(req.System)
	for _, m := range req.Messages {
		promptTokens += tokenutil.EstimateTokens(m.Content)
	}

	if !c.llmOn {
		text := offlineReply()
		if err := onChunk(text); err != nil {
			return nil, err
		}
		return &Response{
			Text: text,
			Usage: Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: tokenutil.EstimateTokens(text),
			},
		}, nil
	}

	// Split the latest user turn off the history: genkit takes the current
	// prompt separately from prior messages.
	history := req.Messages
	prompt := ""
	if n := len(history); n > 0 && history[n-1].Role == RoleUser {
		prompt = history[n-1].Content
		history = history[:n-1]
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.provider, firstNonEmpty(req.Model, c.model))),
	}
	if prompt != "" {
		opts = append(opts, ai.WithPrompt(prompt))
	}
	if req.System != "" {
		// Escape % so fmt-style expansion inside ai.WithSystem cannot
		// corrupt the prompt.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if msgs := toGenkitMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if temp := firstNonZero(req.Temperature, c.temperature); temp > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{Temperature: temp}))
	}

	stream := genkit.GenerateStream(ctx, c.g, opts...)

	var full strings.Builder
	var doneText string
	for streamVal, err := range stream {
		if err != nil {
			return nil, Classify(err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return nil, err
					}
					full.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneText = streamVal.Response.Text()
		}
	}

	// Prefer accumulated chunks; fall back to the done response for
	// providers that do not stream.
	text := full.String()
	if text == "" {
		text = doneText
	}

	return &Response{
		Text: text,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: tokenutil.EstimateTokens(text),
		},
	}, nil
}

// offlineReply is the deterministic turn emitted without an API key. It is
// a well-formed reply, so parsing and run bookkeeping exercise the same
// paths as a live provider.
func offlineReply() string {
	return "[[kind]] done\n" +
		"[[reply]] No LLM provider is configured. Set an API key (GEMINI_API_KEY, ANTHROPIC_API_KEY or OPENAI_API_KEY) to enable real runs."
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

func toGenkitMessages(msgs []Message) []*ai.Message {
	var out []*ai.Message
	for _, m := range msgs {
		var role ai.Role
		switch m.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		case RoleSystem:
			role = ai.RoleSystem
		case RoleTool:
			role = ai.RoleTool
		default:
			continue
		}
		out = append(out, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func firstNonZero(a, b float64) float64 {
	if a != 0 {
		return a
	}
	return b
}
