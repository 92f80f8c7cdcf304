// Package upstream implements the model half of the host capability
// against any OpenAI-compatible chat completions endpoint.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"lm-bridge/internal/config"
	"lm-bridge/internal/host"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "lm-bridge/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Client talks to one OpenAI-compatible upstream. The model offering comes
// from configuration, so it is static for the life of the process.
type Client struct {
	apiKey  string
	headers map[string]string
	client  *http.Client
	models  []host.ModelDescriptor
	chatURL string

	mu        sync.Mutex
	listeners []func()
}

// New creates an upstream client from configuration.
func New(cfg config.UpstreamConfig, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]host.ModelDescriptor, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		name := model.Name
		if name == "" {
			name = model.ID
		}
		modelsList = append(modelsList, host.ModelDescriptor{
			ID:             model.ID,
			Name:           name,
			Family:         model.Family,
			Vendor:         model.Vendor,
			MaxInputTokens: model.MaxInputTokens,
		})
	}

	return &Client{
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		models:  modelsList,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

// NewHTTPClient builds the hardened HTTP client used for upstream calls.
// There is no overall client timeout: streamed responses stay open as long
// as the caller's context allows.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}

// ListModels returns a copy of the configured model descriptors.
func (c *Client) ListModels(ctx context.Context) ([]host.ModelDescriptor, error) {
	result := make([]host.ModelDescriptor, len(c.models))
	copy(result, c.models)
	return result, nil
}

// OnModelsChanged registers a change listener. The configured model set
// never changes at runtime, so registered listeners are held but not
// fired.
func (c *Client) OnModelsChanged(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SendChatRequest starts a streaming chat completion against the upstream
// and adapts its SSE chunk protocol into host stream events. Cancelling
// ctx aborts the HTTP request and stops the reader.
func (c *Client) SendChatRequest(ctx context.Context, messages []host.Message, opts host.Options) (<-chan host.StreamEvent, error) {
	payload, err := buildPayload(messages, opts)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream chat request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	out := make(chan host.StreamEvent)
	go c.streamReader(ctx, httpResp.Body, out)
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- host.StreamEvent) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(ctx, out, host.StreamEvent{Err: fmt.Errorf("decode upstream chunk: %w", err)})
			return
		}

		for _, part := range chunk.parts() {
			if !emit(ctx, out, host.StreamEvent{Part: part}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		emit(ctx, out, host.StreamEvent{Err: fmt.Errorf("upstream stream read: %w", err)})
	}
}

func emit(ctx context.Context, out chan<- host.StreamEvent, event host.StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func buildPayload(messages []host.Message, opts host.Options) (chatPayload, error) {
	wireMessages := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		converted, err := toWireMessages(msg)
		if err != nil {
			return chatPayload{}, err
		}
		wireMessages = append(wireMessages, converted...)
	}

	payload := chatPayload{
		Model:       opts.Model.ID,
		Messages:    wireMessages,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	if len(opts.Tools) > 0 {
		payload.Tools = make([]wireTool, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			payload.Tools = append(payload.Tools, wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			})
		}
		if opts.ToolMode == host.ToolModeRequired {
			payload.ToolChoice = "required"
		}
	}

	return payload, nil
}

// toWireMessages flattens one capability message into upstream wire
// messages. Tool results leave their user turn and become wire tool
// messages; text parts of the same turn merge into one message.
func toWireMessages(msg host.Message) ([]wireMessage, error) {
	var text strings.Builder
	var calls []wireToolCall
	var out []wireMessage

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case host.TextPart:
			text.WriteString(p.Text)
		case host.ToolCallPart:
			calls = append(calls, wireToolCall{
				ID:   p.CallID,
				Type: "function",
				Function: wireCallFunction{
					Name:      p.Name,
					Arguments: p.Arguments,
				},
			})
		case host.ToolResultPart:
			out = append(out, wireMessage{
				Role:       "tool",
				Content:    p.Content,
				ToolCallID: p.CallID,
			})
		default:
			return nil, fmt.Errorf("message part %T has no wire mapping", part)
		}
	}

	if text.Len() > 0 || len(calls) > 0 || len(out) == 0 {
		out = append([]wireMessage{{
			Role:      string(msg.Role),
			Content:   text.String(),
			ToolCalls: calls,
		}}, out...)
	}

	return out, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c streamChunk) parts() []host.Part {
	if len(c.Choices) == 0 {
		return nil
	}

	delta := c.Choices[0].Delta
	var parts []host.Part
	if delta.Content != "" {
		parts = append(parts, host.TextPart{Text: delta.Content})
	}
	for _, call := range delta.ToolCalls {
		parts = append(parts, host.ToolCallPart{
			Index:     call.Index,
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return parts
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("upstream error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
