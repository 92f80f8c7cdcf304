package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"lm-bridge/internal/host"
	"lm-bridge/internal/orchestrator"
	"lm-bridge/internal/protocol"
	"lm-bridge/internal/registry"
	"lm-bridge/internal/translator"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"models_available": len(s.cache.Cached()),
	})
}

func (s *Server) handleModels(c echo.Context) error {
	models, err := s.cache.Models(c.Request().Context())
	if err != nil {
		return toRequestError(err)
	}

	data := make([]protocol.ModelInfo, 0, len(models))
	for _, model := range models {
		data = append(data, protocol.ModelInfo{
			ID:             model.ID,
			Object:         protocol.ObjectModel,
			Created:        s.started.Unix(),
			OwnedBy:        model.Vendor,
			Family:         model.Family,
			MaxInputTokens: model.MaxInputTokens,
		})
	}

	return c.JSON(http.StatusOK, protocol.ModelList{Object: protocol.ObjectList, Data: data})
}

func (s *Server) handleTools(c echo.Context) error {
	descriptors, err := s.capability.ListTools(c.Request().Context())
	if err != nil {
		return toRequestError(err)
	}

	tagFilter := splitTags(c.QueryParam("tags"))
	namePattern := c.QueryParam("name")

	data := make([]protocol.ToolInfo, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if !hasAllTags(descriptor.Tags, tagFilter) {
			continue
		}
		if namePattern != "" {
			matched, err := path.Match(namePattern, descriptor.Name)
			if err != nil {
				return badRequest(fmt.Sprintf("name filter %q is not a valid pattern", namePattern))
			}
			if !matched {
				continue
			}
		}
		data = append(data, protocol.ToolInfo{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			Tags:        descriptor.Tags,
			InputSchema: descriptor.InputSchema,
		})
	}

	return c.JSON(http.StatusOK, protocol.ToolList{Object: protocol.ObjectList, Data: data})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	req, err := s.decodeChatRequest(c)
	if err != nil {
		return toRequestError(err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout())
	defer cancel()

	models, err := s.cache.Models(ctx)
	if err != nil {
		return toRequestError(err)
	}

	model := registry.Resolve(req.Model, models, s.cfg.Defaults.Model)
	if model == nil {
		return toRequestError(ErrNoModels)
	}

	opts, err := s.buildOptions(ctx, req, *model)
	if err != nil {
		return toRequestError(err)
	}

	hostMessages, err := translator.ToHostMessages(req.Messages)
	if err != nil {
		return badRequest(err.Error())
	}

	s.warnOnBudget(*model, req.Messages)

	completionID := "chatcmpl-" + uuid.NewString()
	createdUnix := time.Now().Unix()

	if req.ToolExecution == protocol.ToolExecutionAuto {
		return s.completeWithTools(c, ctx, req, hostMessages, opts, completionID, createdUnix)
	}

	stream, err := s.capability.SendChatRequest(ctx, hostMessages, opts)
	if err != nil {
		return toRequestError(err)
	}

	if req.Stream {
		return s.streamCompletion(c, ctx, stream, completionID, opts.Model.ID, createdUnix)
	}

	acc := translator.NewAccumulator()
	for event := range stream {
		if event.Err != nil {
			return toRequestError(event.Err)
		}
		acc.Add(event.Part)
	}

	resp := protocol.NewResponse(completionID, opts.Model.ID, createdUnix, acc.Content(), acc.ToolCalls())
	return c.JSON(http.StatusOK, resp)
}

// decodeChatRequest reads, parses and validates the request body. The body
// is capped; exceeding the cap surfaces as 413.
func (s *Server) decodeChatRequest(c echo.Context) (*protocol.ChatCompletionRequest, error) {
	request := c.Request()
	defer request.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), request.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		return nil, err
	}

	if validationErr := protocol.Validate(req); validationErr != nil {
		return nil, validationErr
	}

	return req, nil
}

// buildOptions assembles the capability options for one request, merging
// the host's registered tools in when the client asked for them.
func (s *Server) buildOptions(ctx context.Context, req *protocol.ChatCompletionRequest, model host.ModelDescriptor) (host.Options, error) {
	tools := req.Tools
	if req.UseHostTools {
		descriptors, err := s.capability.ListTools(ctx)
		if err != nil {
			slog.Warn("listing host tools failed, continuing with client tools only", "err", err)
		} else {
			tools = mergeTools(tools, translator.FromDescriptors(descriptors))
		}
	}

	hostTools, toolMode, err := translator.ToHostTools(tools, req.ToolChoice)
	if err != nil {
		return host.Options{}, badRequest(err.Error())
	}

	return host.Options{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       hostTools,
		ToolMode:    toolMode,
	}, nil
}

// completeWithTools runs the auto-execute orchestration loop and renders
// its final result, buffered or as a synthetic stream.
func (s *Server) completeWithTools(c echo.Context, ctx context.Context, req *protocol.ChatCompletionRequest, messages []host.Message, opts host.Options, completionID string, createdUnix int64) error {
	maxRounds := protocol.DefaultMaxToolRounds
	if s.cfg.Defaults.MaxToolRounds != nil {
		maxRounds = *s.cfg.Defaults.MaxToolRounds
	}
	if req.MaxToolRounds != nil {
		maxRounds = *req.MaxToolRounds
	}

	result, err := orchestrator.Run(ctx, s.capability, messages, opts, maxRounds)
	if err != nil {
		return toRequestError(err)
	}

	resp := protocol.NewResponse(completionID, opts.Model.ID, createdUnix, result.Content, result.ToolCalls)
	resp.Warning = result.Warning

	if req.Stream {
		return s.streamBuffered(c, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// streamCompletion renders a live host stream as SSE chunks. The sequence
// is fixed: role chunk, content and tool-call chunks, terminal chunk, then
// the [DONE] sentinel. The sentinel goes out even when the stream fails
// mid-flight so clients terminate cleanly.
func (s *Server) streamCompletion(c echo.Context, ctx context.Context, stream <-chan host.StreamEvent, completionID, modelID string, createdUnix int64) error {
	writer, flusher, err := startSSE(c)
	if err != nil {
		return err
	}

	writeChunk := func(payload any) error {
		if err := writeSSE(writer, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeChunk(protocol.RoleChunk(completionID, modelID, createdUnix)); err != nil {
		return nil
	}

	acc := translator.NewAccumulator()
	for event := range stream {
		if event.Err != nil {
			reqErr := toRequestError(event.Err)
			slog.Error("stream failed mid-flight", "err", event.Err, "status", reqErr.Status)
			_ = writeChunk(reqErr.body())
			writeDone(writer, flusher)
			return nil
		}

		delta := acc.Add(event.Part)
		switch {
		case delta.Text != "":
			if err := writeChunk(protocol.ContentChunk(completionID, modelID, createdUnix, delta.Text)); err != nil {
				return nil
			}
		case delta.ToolCall != nil:
			if err := writeChunk(protocol.ToolCallChunk(completionID, modelID, createdUnix, *delta.ToolCall)); err != nil {
				return nil
			}
		}

		if ctx.Err() != nil {
			// Client gone or deadline hit: the context cancellation has
			// already aborted the host request.
			return nil
		}
	}

	finishReason := protocol.FinishReasonStop
	if len(acc.ToolCalls()) > 0 {
		finishReason = protocol.FinishReasonToolCalls
	}
	_ = writeChunk(protocol.FinalChunk(completionID, modelID, createdUnix, finishReason))
	writeDone(writer, flusher)
	return nil
}

// streamBuffered replays an already-completed response as a minimal valid
// stream, used when a client asked for SSE together with auto tool
// execution.
func (s *Server) streamBuffered(c echo.Context, resp protocol.Response) error {
	writer, flusher, err := startSSE(c)
	if err != nil {
		return err
	}

	choice := resp.Choices[0]
	chunks := []protocol.StreamChunk{
		protocol.RoleChunk(resp.ID, resp.Model, resp.Created),
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		chunks = append(chunks, protocol.ContentChunk(resp.ID, resp.Model, resp.Created, *choice.Message.Content))
	}
	for i, call := range choice.Message.ToolCalls {
		chunks = append(chunks, protocol.ToolCallChunk(resp.ID, resp.Model, resp.Created, protocol.ToolCallDelta{
			Index: i,
			ID:    call.ID,
			Type:  call.Type,
			Function: &protocol.ToolCallFunctionDelta{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		}))
	}
	chunks = append(chunks, protocol.FinalChunk(resp.ID, resp.Model, resp.Created, choice.FinishReason))

	for _, chunk := range chunks {
		if err := writeSSE(writer, chunk); err != nil {
			return nil
		}
		flusher.Flush()
	}
	writeDone(writer, flusher)
	return nil
}

func (s *Server) warnOnBudget(model host.ModelDescriptor, messages []protocol.ChatMessage) {
	if model.MaxInputTokens <= 0 {
		return
	}
	estimate := s.estimator.EstimatePrompt(model.ID, messages)
	if estimate > model.MaxInputTokens {
		slog.Warn("prompt likely exceeds the model's input budget",
			"model", model.ID,
			"estimated_tokens", estimate,
			"max_input_tokens", model.MaxInputTokens,
		)
	}
}

func startSSE(c echo.Context) (io.Writer, http.Flusher, error) {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return nil, nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    errTypeServer,
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	return writer, flusher, nil
}

func writeSSE(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func writeDone(w io.Writer, flusher http.Flusher) {
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

func hasAllTags(toolTags, wanted []string) bool {
	for _, want := range wanted {
		found := false
		for _, tag := range toolTags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// mergeTools appends host tools whose names are not already taken by a
// client-supplied tool.
func mergeTools(clientTools, hostTools []protocol.Tool) []protocol.Tool {
	seen := make(map[string]struct{}, len(clientTools))
	for _, tool := range clientTools {
		seen[tool.Function.Name] = struct{}{}
	}
	merged := clientTools
	for _, tool := range hostTools {
		if _, taken := seen[tool.Function.Name]; !taken {
			merged = append(merged, tool)
		}
	}
	return merged
}
