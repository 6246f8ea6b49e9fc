// Package gemini implements llm.Provider for the Gemini generateContent API.
//
// Gemini differs from the other adapters in three ways: the assistant role is
// called "model", there is no system role in the contents array (callers
// merge system text into the first turn before the call), and the streaming
// endpoint has no end-of-stream sentinel. A stream ends when the transport
// closes.
package gemini

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/user/gophertalk/pkg/llm"
)

const (
	// Name is the registry key of the adapter.
	Name = "gemini"

	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Client talks to the Gemini API.
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

type generateRequest struct {
	Contents         []content         `json:"contents"`
	Tools            []toolDecl        `json:"tools,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolDecl struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate    `json:"candidates"`
	UsageMetadata  *usageMetadata `json:"usageMetadata"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *usageMetadata) toUsage() *llm.Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokenCount
	if total == 0 {
		total = u.PromptTokenCount + u.CandidatesTokenCount
	}
	return &llm.Usage{
		InputTokens:  u.PromptTokenCount,
		OutputTokens: u.CandidatesTokenCount,
		TotalTokens:  total,
	}
}

// Chat sends a generateContent request.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, req llm.Request) (*llm.Response, error) {
	resp, err := c.post(ctx, messages, req, false)
	if err != nil {
		return nil, err
	}

	var gr generateResponse
	if err := llm.DecodeJSON(Name, resp, &gr); err != nil {
		return nil, err
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" && len(gr.Candidates) == 0 {
		return &llm.Response{FinishReason: llm.FinishError, Usage: usageOrZero(gr.UsageMetadata)}, nil
	}
	if len(gr.Candidates) == 0 {
		return nil, &llm.MalformedResponseError{Provider: Name, Reason: "no candidates in response"}
	}

	cand := gr.Candidates[0]
	out := &llm.Response{Usage: usageOrZero(gr.UsageMetadata)}
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, toToolCall(p.FunctionCall))
			continue
		}
		text.WriteString(p.Text)
	}
	out.Content = text.String()
	out.FinishReason = mapFinishReason(cand.FinishReason, len(out.ToolCalls) > 0)
	return out, nil
}

// Stream opens a streamGenerateContent request. Every event carries a
// complete response fragment; function calls arrive whole rather than as
// argument deltas.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, req llm.Request) (*llm.ChunkStream, error) {
	resp, err := c.post(ctx, messages, req, true)
	if err != nil {
		return nil, err
	}
	return newChunkStream(resp), nil
}

func (c *Client) post(ctx context.Context, messages []llm.Message, req llm.Request, stream bool) (*http.Response, error) {
	body := generateRequest{
		Contents: toContents(messages),
		Tools:    toToolDecls(req.Tools),
	}
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		body.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}

	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/models/" + url.PathEscape(req.Model)
	if stream {
		endpoint += ":streamGenerateContent?alt=sse"
	} else {
		endpoint += ":generateContent"
	}
	headers := map[string]string{"x-goog-api-key": req.APIKey}
	return llm.PostJSON(ctx, c.httpClient, Name, endpoint, headers, body, stream)
}

func newChunkStream(resp *http.Response) *llm.ChunkStream {
	reader := llm.NewSSEReader(Name, resp.Body)

	var (
		calls  []llm.ToolCall
		finish llm.FinishReason
		usage  *llm.Usage
	)

	next := func() (llm.Chunk, error) {
		for reader.Next() {
			var gr generateResponse
			if err := json.Unmarshal([]byte(reader.Data()), &gr); err != nil {
				slog.Debug("skipping malformed stream line", "provider", Name, "error", err)
				continue
			}
			if gr.Error != nil && gr.Error.Message != "" {
				return llm.Chunk{}, &llm.TransportError{
					Provider:   Name,
					StatusCode: resp.StatusCode,
					Type:       gr.Error.Status,
					Message:    gr.Error.Message,
					Body:       reader.Data(),
				}
			}
			if u := gr.UsageMetadata.toUsage(); u != nil {
				usage = u
			}
			if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
				finish = llm.FinishError
			}
			if len(gr.Candidates) == 0 {
				continue
			}

			cand := gr.Candidates[0]
			var text strings.Builder
			added := false
			for _, p := range cand.Content.Parts {
				if p.FunctionCall != nil {
					calls = append(calls, toToolCall(p.FunctionCall))
					added = true
					continue
				}
				text.WriteString(p.Text)
			}
			if cand.FinishReason != "" {
				finish = mapFinishReason(cand.FinishReason, len(calls) > 0)
			}

			chunk := llm.Chunk{Content: text.String()}
			if added {
				chunk.ToolCalls = append([]llm.ToolCall(nil), calls...)
			}
			if chunk.Content != "" || chunk.ToolCalls != nil {
				return chunk, nil
			}
		}
		if err := reader.Err(); err != nil {
			return llm.Chunk{}, err
		}
		// No sentinel: the closed transport is the end of the stream.
		return llm.Chunk{Done: true, FinishReason: finish, Usage: usage}, nil
	}

	return llm.NewChunkStream(next, resp.Body)
}

// toContents converts messages to Gemini turns. System entries that reach
// the adapter are sent as user text. Tool results become functionResponse
// parts; Gemini matches them by function name, which is recovered from the
// assistant turn that issued the call. Consecutive same-role turns merge.
func toContents(messages []llm.Message) []content {
	names := map[string]string{}
	var out []content

	push := func(role string, parts ...part) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleUser:
			if msg.Content == "" {
				continue
			}
			push("user", part{Text: msg.Content})

		case llm.RoleAssistant:
			var parts []part
			if msg.Content != "" {
				parts = append(parts, part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Function.Name
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, part{FunctionCall: &functionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			push("model", parts...)

		case llm.RoleTool:
			push("user", part{FunctionResponse: &functionResponse{
				ID:       msg.ToolCallID,
				Name:     names[msg.ToolCallID],
				Response: map[string]any{"content": msg.Content},
			}})
		}
	}
	return out
}

func toToolDecls(tools []llm.Tool) []toolDecl {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]functionDecl, len(tools))
	for i, t := range tools {
		decls[i] = functionDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}
	}
	return []toolDecl{{FunctionDeclarations: decls}}
}

// toToolCall converts a function call part. Older models return calls
// without an id, so one is generated to pair the eventual result.
func toToolCall(fc *functionCall) llm.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + llm.NewMessageID()
	}
	args := fc.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return llm.ToolCall{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: fc.Name, Arguments: args},
	}
}

func usageOrZero(u *usageMetadata) llm.Usage {
	if usage := u.toUsage(); usage != nil {
		return *usage
	}
	return llm.Usage{}
}

// mapFinishReason maps Gemini finish reasons. Gemini reports STOP for turns
// that end in function calls.
func mapFinishReason(reason string, hasCalls bool) llm.FinishReason {
	switch reason {
	case "":
		return ""
	case "STOP":
		if hasCalls {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "MALFORMED_FUNCTION_CALL":
		return llm.FinishError
	default:
		return llm.FinishStop
	}
}
