package airadar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChat answers every request with respond and records the requests.
type fakeChat struct {
	mu       sync.Mutex
	requests []ChatRequest
	respond  func(req ChatRequest) (string, error)
}

func (f *fakeChat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.respond(req)
}

func (f *fakeChat) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func answer(s string) *fakeChat {
	return &fakeChat{respond: func(ChatRequest) (string, error) { return s, nil }}
}

func failing(msg string) *fakeChat {
	return &fakeChat{respond: func(ChatRequest) (string, error) { return "", errors.New(msg) }}
}

func TestLLMChainOrderAndFallback(t *testing.T) {
	first := failing("claude down")
	second := answer("report from qwen")
	third := answer("report from deepseek")

	chain := NewLLMChain(
		ChainEntry{Name: "deepseek/deepseek-chat", Priority: 3, Model: third},
		ChainEntry{Name: "dashscope/qwen-plus", Priority: 2, Model: second},
		ChainEntry{Name: "anthropic/claude", Priority: 1, Model: first},
	)
	assert.Equal(t, "anthropic/claude", chain.Entries()[0].Name)

	got, err := chain.Complete(context.Background(), ChatRequest{User: "write"})
	require.NoError(t, err)
	assert.Equal(t, "report from qwen", got)
	assert.Equal(t, 1, first.calls())
	assert.Equal(t, 1, second.calls())
	assert.Equal(t, 0, third.calls())
}

func TestLLMChainStableOnEqualPriority(t *testing.T) {
	a, b := answer("a"), answer("b")
	chain := NewLLMChain(ChainEntry{Name: "a", Priority: 1, Model: a}, ChainEntry{Name: "b", Priority: 1, Model: b})
	got, err := chain.Complete(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestLLMChainAllFail(t *testing.T) {
	chain := NewLLMChain(
		ChainEntry{Name: "one", Priority: 1, Model: failing("first failure")},
		ChainEntry{Name: "two", Priority: 2, Model: failing("last failure")},
	)
	_, err := chain.Complete(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last failure")

	_, err = NewLLMChain().Complete(context.Background(), ChatRequest{})
	assert.Error(t, err)
}

func TestLLMChainEntryTimeout(t *testing.T) {
	slow := &fakeChat{respond: func(ChatRequest) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	}}
	chain := NewLLMChain(
		ChainEntry{Name: "blocking", Priority: 1, Timeout: 10 * time.Millisecond, Model: blockingChat{}},
		ChainEntry{Name: "slow", Priority: 2, Model: slow},
	)
	got, err := chain.Complete(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "late", got)
}

type blockingChat struct{}

func (blockingChat) Complete(ctx context.Context, _ ChatRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestNewOpenAIChatUnknownProvider(t *testing.T) {
	_, err := NewOpenAIChat("mystery", "m", "key")
	assert.Error(t, err)
}

func TestOpenAIChatComplete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "qwen-plus",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"ranked_ids\":[\"evt_1\"]}"}
			}]
		}`)
	}))
	defer server.Close()

	chat, err := NewOpenAIChat("dashscope", "qwen-plus", "test-key",
		option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	got, err := chat.Complete(context.Background(), ChatRequest{
		System:      "rank",
		User:        "events",
		Temperature: 0.1,
		MaxTokens:   100,
		SchemaName:  "event_ranking",
		Schema:      &RankingResponse{},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ranked_ids":["evt_1"]}`, got)

	assert.Equal(t, "qwen-plus", body["model"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIChatEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[]}`)
	}))
	defer server.Close()

	chat, err := NewOpenAIChat("openai", "m", "k", option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = chat.Complete(context.Background(), ChatRequest{User: "hi"})
	assert.Error(t, err)
}

func TestSchemaForRankingResponse(t *testing.T) {
	schema, err := schemaFor(&RankingResponse{})
	require.NoError(t, err)
	m, ok := schema.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", m["type"])
	assert.Equal(t, false, m["additionalProperties"])
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "ranked_ids")
}

func TestDecodeJSONContent(t *testing.T) {
	var resp RankingResponse
	require.NoError(t, decodeJSONContent("```json\n{\"ranked_ids\":[\"a\",\"b\"]}\n```", &resp))
	assert.Equal(t, []string{"a", "b"}, resp.RankedIDs)

	assert.Error(t, decodeJSONContent("not json", &resp))
}
