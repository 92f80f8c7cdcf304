package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lm-bridge/internal/config"
	"lm-bridge/internal/host"
)

func testUpstreamConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL: baseURL,
		APIKey:  "secret",
		Headers: map[string]string{"X-Client": "test"},
		Models: []config.ModelConfig{
			{ID: "llama3", Family: "llama", Vendor: "meta", MaxInputTokens: 8192},
			{ID: "qwen2", Name: "Qwen 2", Family: "qwen"},
		},
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(testUpstreamConfig(baseURL), &http.Client{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}

func collect(t *testing.T, stream <-chan host.StreamEvent) ([]host.Part, error) {
	t.Helper()
	var parts []host.Part
	for event := range stream {
		if event.Err != nil {
			return parts, event.Err
		}
		parts = append(parts, event.Part)
	}
	return parts, nil
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(testUpstreamConfig("http://localhost"), nil)
	require.Error(t, err)

	_, err = New(config.UpstreamConfig{}, &http.Client{})
	require.Error(t, err)
}

func TestListModelsFromConfig(t *testing.T) {
	client := newTestClient(t, "http://localhost:9999/v1")

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3", models[0].ID)
	// Name falls back to the id when the config leaves it empty.
	assert.Equal(t, "llama3", models[0].Name)
	assert.Equal(t, "Qwen 2", models[1].Name)
	assert.Equal(t, 8192, models[0].MaxInputTokens)
}

func sseBody(chunks ...string) string {
	out := ""
	for _, chunk := range chunks {
		out += "data: " + chunk + "\n\n"
	}
	return out + "data: [DONE]\n\n"
}

func TestSendChatRequestStreamsText(t *testing.T) {
	var gotPayload map[string]any
	var gotAuth, gotHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Client")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotPayload))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")

	stream, err := client.SendChatRequest(context.Background(), []host.Message{host.UserText("hi")}, host.Options{
		Model: host.ModelDescriptor{ID: "llama3"},
	})
	require.NoError(t, err)

	parts, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, host.TextPart{Text: "Hel"}, parts[0])
	assert.Equal(t, host.TextPart{Text: "lo"}, parts[1])

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "test", gotHeader)
	assert.Equal(t, "llama3", gotPayload["model"])
	assert.Equal(t, true, gotPayload["stream"])
}

func TestSendChatRequestStreamsToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Berlin\"}"}}]}}]}`,
		))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")

	stream, err := client.SendChatRequest(context.Background(), []host.Message{host.UserText("weather?")}, host.Options{
		Model: host.ModelDescriptor{ID: "llama3"},
		Tools: []host.ToolDescriptor{{Name: "get_weather", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	parts, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	first, ok := parts[0].(host.ToolCallPart)
	require.True(t, ok)
	assert.Equal(t, "call_1", first.CallID)
	assert.Equal(t, "get_weather", first.Name)

	second, ok := parts[1].(host.ToolCallPart)
	require.True(t, ok)
	assert.Empty(t, second.CallID)
	assert.Equal(t, `ty":"Berlin"}`, second.Arguments)
}

func TestSendChatRequestRequiredToolChoice(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotPayload))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"choices":[{"delta":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")
	stream, err := client.SendChatRequest(context.Background(), []host.Message{host.UserText("go")}, host.Options{
		Model:    host.ModelDescriptor{ID: "llama3"},
		Tools:    []host.ToolDescriptor{{Name: "get_weather"}},
		ToolMode: host.ToolModeRequired,
	})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	assert.Equal(t, "required", gotPayload["tool_choice"])
	tools, ok := gotPayload["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)
}

func TestSendChatRequestFlattensToolResults(t *testing.T) {
	var gotPayload struct {
		Messages []map[string]any `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotPayload))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"choices":[{"delta":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")
	messages := []host.Message{
		host.UserText("weather?"),
		host.AssistantMessage(host.ToolCallPart{Index: 0, CallID: "call_1", Name: "get_weather", Arguments: "{}"}),
		host.UserMessage(host.ToolResultPart{CallID: "call_1", Content: "sunny"}),
	}

	stream, err := client.SendChatRequest(context.Background(), messages, host.Options{Model: host.ModelDescriptor{ID: "llama3"}})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	require.Len(t, gotPayload.Messages, 3)
	assert.Equal(t, "user", gotPayload.Messages[0]["role"])
	assert.Equal(t, "assistant", gotPayload.Messages[1]["role"])
	// The tool result leaves its user turn and becomes a wire tool message.
	assert.Equal(t, "tool", gotPayload.Messages[2]["role"])
	assert.Equal(t, "call_1", gotPayload.Messages[2]["tool_call_id"])
	assert.Equal(t, "sunny", gotPayload.Messages[2]["content"])
}

func TestSendChatRequestUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")
	_, err := client.SendChatRequest(context.Background(), []host.Message{host.UserText("hi")}, host.Options{
		Model: host.ModelDescriptor{ID: "llama3"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Contains(t, err.Error(), "invalid_api_key")
}

func TestSendChatRequestMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {not json}\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")
	stream, err := client.SendChatRequest(context.Background(), []host.Message{host.UserText("hi")}, host.Options{
		Model: host.ModelDescriptor{ID: "llama3"},
	})
	require.NoError(t, err)

	_, err = collect(t, stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode upstream chunk")
}

func TestSendChatRequestIgnoresNonDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hi"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/v1")
	stream, err := client.SendChatRequest(context.Background(), []host.Message{host.UserText("hi")}, host.Options{
		Model: host.ModelDescriptor{ID: "llama3"},
	})
	require.NoError(t, err)

	parts, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, host.TextPart{Text: "hi"}, parts[0])
}
