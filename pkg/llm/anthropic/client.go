// Package anthropic implements llm.Provider for the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/gophertalk/pkg/llm"
)

const (
	// Name is the registry key of the adapter.
	Name = "anthropic"

	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Client talks to the Messages API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. A nil httpClient gets a client without an overall
// timeout; callers bound calls through ctx.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: defaultBaseURL, httpClient: httpClient}
}

// Name returns the registry key.
func (c *Client) Name() string { return Name }

// Chat sends a non-streaming request.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, req llm.Request) (*llm.Response, error) {
	resp, err := c.post(ctx, messages, req, false)
	if err != nil {
		return nil, err
	}

	var mr messageResponse
	if err := llm.DecodeJSON(Name, resp, &mr); err != nil {
		return nil, err
	}
	if mr.Role != "" && mr.Role != "assistant" {
		return nil, &llm.MalformedResponseError{Provider: Name, Reason: "unexpected role " + mr.Role}
	}

	out := &llm.Response{
		FinishReason: mapStopReason(mr.StopReason),
		Usage: llm.Usage{
			InputTokens:  mr.Usage.InputTokens,
			OutputTokens: mr.Usage.OutputTokens,
			TotalTokens:  mr.Usage.InputTokens + mr.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range mr.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: llm.FunctionCall{Name: block.Name, Arguments: block.Input},
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// Stream opens a streaming request. Events are keyed by content block
// index; text deltas are emitted as they arrive, tool_use blocks are
// assembled from input_json_delta fragments. message_stop ends the stream.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, req llm.Request) (*llm.ChunkStream, error) {
	resp, err := c.post(ctx, messages, req, true)
	if err != nil {
		return nil, err
	}
	return newChunkStream(resp), nil
}

func (c *Client) post(ctx context.Context, messages []llm.Message, req llm.Request, stream bool) (*http.Response, error) {
	system, params := toMessageParams(messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := messageRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      params,
		Tools:         toToolParams(req.Tools),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}

	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	headers := map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": apiVersion,
	}
	return llm.PostJSON(ctx, c.httpClient, Name, sanitizeBaseURL(baseURL)+"/v1/messages", headers, body, stream)
}

// sanitizeBaseURL accepts base URLs with or without the /v1 suffix.
func sanitizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	return strings.TrimSuffix(base, "/v1")
}

// toolBlock tracks a tool_use block while its input streams in.
type toolBlock struct {
	id    string
	name  string
	input strings.Builder
}

func newChunkStream(resp *http.Response) *llm.ChunkStream {
	reader := llm.NewSSEReader(Name, resp.Body)

	var (
		tools  = map[int]*toolBlock{}
		order  []int
		finish llm.FinishReason
		usage  llm.Usage
		seen   bool
	)
	terminal := func() llm.Chunk {
		chunk := llm.Chunk{Done: true, FinishReason: finish}
		if seen {
			u := usage
			u.TotalTokens = u.InputTokens + u.OutputTokens
			chunk.Usage = &u
		}
		return chunk
	}
	snapshot := func() []llm.ToolCall {
		out := make([]llm.ToolCall, 0, len(order))
		for _, idx := range order {
			tb := tools[idx]
			args := tb.input.String()
			if args == "" {
				args = "{}"
			}
			out = append(out, llm.ToolCall{
				ID:       tb.id,
				Type:     "function",
				Function: llm.FunctionCall{Name: tb.name, Arguments: json.RawMessage(args)},
			})
		}
		return out
	}

	next := func() (llm.Chunk, error) {
		for reader.Next() {
			data := reader.Data()

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				slog.Debug("skipping malformed stream line", "provider", Name, "error", err)
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
					usage.OutputTokens = ev.Message.Usage.OutputTokens
					seen = true
				}

			case "content_block_start":
				if ev.ContentBlock == nil {
					continue
				}
				switch ev.ContentBlock.Type {
				case "text":
					if ev.ContentBlock.Text != "" {
						return llm.Chunk{Content: ev.ContentBlock.Text}, nil
					}
				case "tool_use":
					tools[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
					order = append(order, ev.Index)
					return llm.Chunk{ToolCalls: snapshot()}, nil
				}

			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						return llm.Chunk{Content: ev.Delta.Text}, nil
					}
				case "input_json_delta":
					tb, ok := tools[ev.Index]
					if !ok || ev.Delta.PartialJSON == "" {
						continue
					}
					tb.input.WriteString(ev.Delta.PartialJSON)
					return llm.Chunk{ToolCalls: snapshot()}, nil
				}

			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					finish = mapStopReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
					if ev.Usage.InputTokens > 0 {
						usage.InputTokens = ev.Usage.InputTokens
					}
					seen = true
				}

			case "message_stop":
				return terminal(), nil

			case "error":
				te := &llm.TransportError{
					Provider:   Name,
					StatusCode: resp.StatusCode,
					Body:       data,
				}
				if ev.Error != nil {
					te.Type = ev.Error.Type
					te.Message = ev.Error.Message
				}
				return llm.Chunk{}, te
			}
			// ping and unknown event types are ignored.
		}
		if err := reader.Err(); err != nil {
			return llm.Chunk{}, err
		}
		if finish == "" && !seen {
			return llm.Chunk{}, io.EOF
		}
		return terminal(), nil
	}

	return llm.NewChunkStream(next, resp.Body)
}

// toMessageParams extracts the system prompt and converts the rest of the
// conversation to Messages API turns.
//
// System entries before the first conversational message form the top-level
// system field. Later system entries are sent as user turns. Tool results
// become tool_result blocks on a user turn, and consecutive same-role turns
// are merged so tool results for one assistant turn travel together.
// Assistant turns with empty content are kept only when they carry tool calls.
func toMessageParams(messages []llm.Message) (string, []messageParam) {
	var (
		system []string
		params []messageParam
	)
	started := false

	push := func(role string, blocks ...contentBlock) {
		if n := len(params); n > 0 && params[n-1].Role == role {
			params[n-1].Content = append(params[n-1].Content, blocks...)
			return
		}
		params = append(params, messageParam{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if msg.Content == "" {
				continue
			}
			if !started {
				system = append(system, msg.Content)
				continue
			}
			push("user", contentBlock{Type: "text", Text: msg.Content})

		case llm.RoleUser:
			started = true
			if msg.Content == "" {
				continue
			}
			push("user", contentBlock{Type: "text", Text: msg.Content})

		case llm.RoleAssistant:
			started = true
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			var blocks []contentBlock
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Function.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			push("assistant", blocks...)

		case llm.RoleTool:
			started = true
			push("user", contentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			})
		}
	}
	return strings.Join(system, "\n\n"), params
}

func toToolParams(tools []llm.Tool) []toolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolParam, len(tools))
	for i, t := range tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = toolParam{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		}
	}
	return out
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence", "pause_turn":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "refusal":
		return llm.FinishError
	default:
		return llm.FinishStop
	}
}
