package airadar

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI-compatible chat endpoints of the supported providers.
// An empty URL means the SDK default.
var providerBaseURLs = map[string]string{
	"dashscope": "https://dashscope.aliyuncs.com/compatible-mode/v1/",
	"deepseek":  "https://api.deepseek.com/v1/",
	"google":    "https://generativelanguage.googleapis.com/v1beta/openai/",
	"anthropic": "https://api.anthropic.com/v1/",
	"openai":    "",
}

// providerAPIKey returns the configured key for provider.
func providerAPIKey(provider string) string {
	switch provider {
	case "dashscope":
		return Config.DashScopeAPIKey
	case "deepseek":
		return Config.DeepSeekAPIKey
	case "google":
		return Config.GoogleAPIKey
	case "anthropic":
		return Config.AnthropicAPIKey
	case "openai":
		return Config.OpenAIAPIKey
	}
	return ""
}

// ChatRequest is a single system + user prompt exchange.
type ChatRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int

	// When Schema is set, the model is asked for JSON matching the schema
	// reflected from it, and the response content is that JSON.
	SchemaName string
	Schema     any
}

// ChatModel completes chat requests.
type ChatModel interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// OpenAIChat talks to an OpenAI-compatible chat completions endpoint.
type OpenAIChat struct {
	client openai.Client
	model  string
}

// NewOpenAIChat returns a client for model served by provider.
// Extra options are applied after the provider defaults.
func NewOpenAIChat(provider, model, apiKey string, opts ...option.RequestOption) (*OpenAIChat, error) {
	client, err := providerClient(provider, apiKey, opts...)
	if err != nil {
		return nil, err
	}
	return &OpenAIChat{client: client, model: model}, nil
}

// providerClient returns an SDK client pointed at the endpoint of provider.
func providerClient(provider, apiKey string, opts ...option.RequestOption) (openai.Client, error) {
	baseURL, ok := providerBaseURLs[provider]
	if !ok {
		return openai.Client{}, fmt.Errorf("unknown provider: %s", provider)
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	options = append(options, opts...)
	return openai.NewClient(options...), nil
}

func (c *OpenAIChat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Schema != nil {
		schema, err := schemaFor(req.Schema)
		if err != nil {
			return "", err
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   cmp.Or(req.SchemaName, "response"),
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion with %s: %w", c.model, err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("no content in %s response", c.model)
	}
	return completion.Choices[0].Message.Content, nil
}

// schemaFor reflects v into a JSON schema value accepted by the SDK.
func schemaFor(v any) (any, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schemaObj := reflector.Reflect(v)
	if schemaObj.Type == "" {
		schemaObj.Type = "object"
	}

	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var schema any
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return schema, nil
}

// decodeJSONContent parses a model response into v. Models sometimes wrap
// JSON in a markdown code fence even when asked not to.
func decodeJSONContent(content string, v any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to parse model response: %w", err)
	}
	return nil
}

// ChainEntry is one model of an LLMChain.
type ChainEntry struct {
	Name     string // provider/model, for logs
	Priority int
	Timeout  time.Duration
	Model    ChatModel
}

// LLMChain tries its models in priority order until one answers.
type LLMChain struct {
	entries []ChainEntry
}

// NewLLMChain returns a chain ordered by ascending priority.
// Entries with equal priority keep their given order.
func NewLLMChain(entries ...ChainEntry) *LLMChain {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b ChainEntry) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return &LLMChain{entries: sorted}
}

// Entries returns the chain in the order it is tried.
func (c *LLMChain) Entries() []ChainEntry {
	return c.entries
}

func (c *LLMChain) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if len(c.entries) == 0 {
		return "", errors.New("llm chain is empty")
	}

	var lastErr error
	for _, entry := range c.entries {
		log.Info("🤖 trying model", "model", entry.Name, "priority", entry.Priority)
		result, err := c.try(ctx, entry, req)
		if err == nil {
			log.Info("model succeeded", "model", entry.Name, "chars", len([]rune(result)))
			return result, nil
		}
		log.Warn("model failed", "model", entry.Name, "err", err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("all LLM providers failed, last error: %w", lastErr)
}

func (c *LLMChain) try(ctx context.Context, entry ChainEntry, req ChatRequest) (string, error) {
	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.Timeout)
		defer cancel()
	}
	return entry.Model.Complete(ctx, req)
}

// NewChainFromConfig builds the report chain from model settings. Entries
// whose provider has no API key configured are skipped.
func NewChainFromConfig(models []ModelSettings) (*LLMChain, error) {
	var entries []ChainEntry
	for _, m := range models {
		key := providerAPIKey(m.Provider)
		if key == "" {
			log.Warn("skipping model without API key", "provider", m.Provider, "model", m.Model)
			continue
		}
		chat, err := NewOpenAIChat(m.Provider, m.Model, key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ChainEntry{
			Name:     m.Provider + "/" + m.Model,
			Priority: m.Priority,
			Timeout:  time.Duration(m.TimeoutSeconds) * time.Second,
			Model:    chat,
		})
	}
	if len(entries) == 0 {
		return nil, errors.New("no usable model in report chain")
	}
	return NewLLMChain(entries...), nil
}
