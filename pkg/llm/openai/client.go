package openai

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
	// DefaultName is the registry key of the stock adapter.
	DefaultName    = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs
// (OpenAI, OpenRouter, vLLM, Ollama, llama.cpp and similar).
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithName registers the client under a different name, for example
// "openrouter" pointing at another OpenAI-compatible endpoint.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithBaseURL sets the default endpoint used when a request carries none.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new OpenAI-compatible client. A nil httpClient gets a
// client without an overall timeout, since streamed responses are long-lived;
// callers bound calls through ctx.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{
		name:       DefaultName,
		baseURL:    defaultBaseURL,
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the registry key.
func (c *Client) Name() string { return c.name }

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	Stop          []string         `json:"stop,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// requestMessage is the OpenAI message format for requests. Content is a
// pointer so assistant tool-call turns can send null.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// wireToolCall carries arguments as a JSON-encoded string, as OpenAI does.
type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Choices []choice       `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

// choice represents a single completion choice.
type choice struct {
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// responseMessage is the OpenAI message format in responses.
type responseMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *responseUsage) toUsage() *llm.Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  total,
	}
}

// Chat sends a chat completion request and returns the full response.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, req llm.Request) (*llm.Response, error) {
	resp, err := c.post(ctx, messages, req, false)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := llm.DecodeJSON(c.name, resp, &chatResp); err != nil {
		return nil, err
	}
	if len(chatResp.Choices) == 0 {
		return nil, &llm.MalformedResponseError{Provider: c.name, Reason: "no choices in response"}
	}

	choice := chatResp.Choices[0]
	out := &llm.Response{
		ToolCalls:    fromWireToolCalls(choice.Message.ToolCalls),
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	if u := chatResp.Usage.toUsage(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// Stream sends a streaming chat completion request. The stream ends at the
// "[DONE]" sentinel; the finish reason and the trailing usage chunk are
// folded into that single terminal chunk.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, req llm.Request) (*llm.ChunkStream, error) {
	resp, err := c.post(ctx, messages, req, true)
	if err != nil {
		return nil, err
	}
	return c.newChunkStream(resp.Body), nil
}

func (c *Client) post(ctx context.Context, messages []llm.Message, req llm.Request, stream bool) (*http.Response, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    toRequestMessages(messages),
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = strings.TrimRight(req.BaseURL, "/")
	}
	headers := map[string]string{}
	if req.APIKey != "" {
		headers["Authorization"] = "Bearer " + req.APIKey
	}
	return llm.PostJSON(ctx, c.httpClient, c.name, baseURL+"/chat/completions", headers, body, stream)
}

// streamChunk is one "data:" payload of the streaming API.
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *responseUsage `json:"usage"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content   string           `json:"content"`
	ToolCalls []streamToolCall `json:"tool_calls"`
}

type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// maxToolCallGap bounds how far past the known tool calls a delta index may
// point before the delta is treated as malformed.
const maxToolCallGap = 64

// partialToolCall assembles one tool call from deltas: the first delta for
// an index carries the id and name, later ones append argument text.
type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

func (c *Client) newChunkStream(body io.ReadCloser) *llm.ChunkStream {
	reader := llm.NewSSEReader(c.name, body)

	var (
		partials []*partialToolCall
		finish   llm.FinishReason
		usage    *llm.Usage
	)
	terminal := func() llm.Chunk {
		return llm.Chunk{Done: true, FinishReason: finish, Usage: usage}
	}
	snapshot := func() []llm.ToolCall {
		out := make([]llm.ToolCall, 0, len(partials))
		for _, p := range partials {
			if p == nil {
				continue
			}
			out = append(out, llm.ToolCall{
				ID:   p.id,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      p.name,
					Arguments: rawArguments(p.arguments.String()),
				},
			})
		}
		return out
	}

	next := func() (llm.Chunk, error) {
		for reader.Next() {
			data := reader.Data()
			if data == llm.DoneSentinel {
				return terminal(), nil
			}

			var sc streamChunk
			if err := json.Unmarshal([]byte(data), &sc); err != nil {
				slog.Debug("skipping malformed stream line", "provider", c.name, "error", err)
				continue
			}
			if sc.Error != nil && sc.Error.Message != "" {
				return llm.Chunk{}, &llm.TransportError{
					Provider:   c.name,
					StatusCode: http.StatusOK,
					Type:       sc.Error.Type,
					Message:    sc.Error.Message,
					Body:       data,
				}
			}
			if u := sc.Usage.toUsage(); u != nil {
				usage = u
			}
			if len(sc.Choices) == 0 {
				continue
			}

			ch := sc.Choices[0]
			if ch.FinishReason != nil && *ch.FinishReason != "" {
				finish = mapFinishReason(*ch.FinishReason)
			}

			var out llm.Chunk
			out.Content = ch.Delta.Content
			if len(ch.Delta.ToolCalls) > 0 {
				accepted := false
				for _, d := range ch.Delta.ToolCalls {
					if d.Index < 0 || d.Index > len(partials)+maxToolCallGap {
						slog.Debug("skipping tool call delta with bad index", "provider", c.name, "index", d.Index)
						continue
					}
					for len(partials) <= d.Index {
						partials = append(partials, nil)
					}
					p := partials[d.Index]
					if p == nil {
						p = &partialToolCall{}
						partials[d.Index] = p
					}
					if d.ID != "" {
						p.id = d.ID
					}
					if d.Function.Name != "" {
						p.name = d.Function.Name
					}
					p.arguments.WriteString(d.Function.Arguments)
					accepted = true
				}
				if accepted {
					out.ToolCalls = snapshot()
				}
			}
			if out.Content == "" && out.ToolCalls == nil {
				continue
			}
			return out, nil
		}
		if err := reader.Err(); err != nil {
			return llm.Chunk{}, err
		}
		// Transport closed without the sentinel.
		return terminal(), nil
	}

	return llm.NewChunkStream(next, body)
}

// toRequestMessages converts messages to the wire format. OpenAI rejects
// assistant turns that have neither content nor tool calls, so those are
// dropped here.
func toRequestMessages(messages []llm.Message) []requestMessage {
	out := make([]requestMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleAssistant && msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		content := msg.Content
		rm := requestMessage{
			Role:    string(msg.Role),
			Content: &content,
		}
		switch {
		case msg.Role == llm.RoleTool:
			rm.ToolCallID = msg.ToolCallID
		case len(msg.ToolCalls) > 0:
			rm.ToolCalls = toWireToolCalls(msg.ToolCalls)
			if content == "" {
				rm.Content = nil
			}
		}
		out = append(out, rm)
	}
	return out
}

func toWireToolCalls(calls []llm.ToolCall) []wireToolCall {
	out := make([]wireToolCall, len(calls))
	for i, tc := range calls {
		args := string(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out[i] = wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: wireFunction{Name: tc.Function.Name, Arguments: args},
		}
	}
	return out
}

func fromWireToolCalls(calls []wireToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = llm.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: rawArguments(tc.Function.Arguments),
			},
		}
	}
	return out
}

// rawArguments returns the arguments as JSON, with no arguments as {}.
func rawArguments(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "":
		return ""
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishError
	default:
		return llm.FinishStop
	}
}
