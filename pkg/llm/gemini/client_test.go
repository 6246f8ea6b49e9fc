package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/gophertalk/pkg/llm"
)

func testRequest(baseURL string) llm.Request {
	return llm.Config{BaseURL: baseURL, APIKey: "test-key", Model: "gemini-2.0-flash", MaxTokens: 256}.Request()
}

func drain(t *testing.T, stream *llm.ChunkStream) []llm.Chunk {
	t.Helper()
	defer stream.Close()
	var chunks []llm.Chunk
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestGeminiChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Error("missing api key header")
		}
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.GenerationConfig == nil || req.GenerationConfig.MaxOutputTokens != 256 {
			t.Errorf("unexpected generation config %+v", req.GenerationConfig)
		}
		fmt.Fprint(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"Hi "},{"text":"there"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}
		}`)
	}))
	defer server.Close()

	resp, err := New(nil).Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, testRequest(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hi there" || resp.FinishReason != llm.FinishStop {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("expected 6 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestGeminiChatFunctionCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"NYC"}}}]},"finishReason":"STOP"}]}`)
	}))
	defer server.Close()

	resp, err := New(nil).Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "weather?"}}, testRequest(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason != llm.FinishToolCalls {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || !strings.HasPrefix(resp.ToolCalls[0].ID, "call_") {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Function.Arguments) != `{"city":"NYC"}` {
		t.Errorf("unexpected arguments %s", resp.ToolCalls[0].Function.Arguments)
	}
}

func TestGeminiChatNoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer server.Close()

	_, err := New(nil).Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, testRequest(server.URL))
	var me *llm.MalformedResponseError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestGeminiAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"quota"}}`)
	}))
	defer server.Close()

	_, err := New(nil).Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, testRequest(server.URL))
	var te *llm.TransportError
	if !errors.As(err, &te) || te.Type != "RESOURCE_EXHAUSTED" {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !llm.IsRetryable(err) {
		t.Error("expected 429 to be retryable")
	}
}

func TestGeminiStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected url %q", r.URL.String())
		}
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"}]}}]}\r\n\r\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],")
		flusher.Flush()
		fmt.Fprint(w, "\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":2,\"totalTokenCount\":5}}\r\n\r\n")
	}))
	defer server.Close()

	stream, err := New(nil).Stream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, testRequest(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	chunks := drain(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", chunks)
	}
	if chunks[0].Content+chunks[1].Content != "Hello" {
		t.Errorf("unexpected content")
	}
	last := chunks[2]
	if !last.Done || last.FinishReason != llm.FinishStop {
		t.Errorf("expected terminal stop chunk on transport close, got %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 5 {
		t.Errorf("unexpected usage %+v", last.Usage)
	}
}

func TestGeminiStreamFunctionCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"fc1","name":"a","args":{}}}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"fc2","name":"b"}}]},"finishReason":"STOP"}]}`+"\n\n")
	}))
	defer server.Close()

	stream, err := New(nil).Stream(context.Background(), nil, testRequest(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	chunks := drain(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", chunks)
	}
	calls := chunks[1].ToolCalls
	if len(calls) != 2 || calls[0].ID != "fc1" || calls[1].ID != "fc2" {
		t.Fatalf("expected cumulative tool calls, got %+v", calls)
	}
	if string(calls[1].Function.Arguments) != "{}" {
		t.Errorf("expected empty args object, got %s", calls[1].Function.Arguments)
	}
	if chunks[2].FinishReason != llm.FinishToolCalls {
		t.Errorf("expected tool_calls finish, got %q", chunks[2].FinishReason)
	}
}

func TestGeminiStreamInBandError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"error":{"code":500,"status":"INTERNAL","message":"boom"}}`+"\n\n")
	}))
	defer server.Close()

	stream, err := New(nil).Stream(context.Background(), nil, testRequest(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	_, err = stream.Next()
	var te *llm.TransportError
	if !errors.As(err, &te) || te.Message != "boom" {
		t.Fatalf("expected in-band TransportError, got %v", err)
	}
}

func TestToContents(t *testing.T) {
	contents := toContents([]llm.Message{
		{Role: llm.RoleUser, Content: "weather?"},
		{Role: llm.RoleAssistant, Content: "", ToolCalls: []llm.ToolCall{
			{ID: "c1", Function: llm.FunctionCall{Name: "get_weather", Arguments: json.RawMessage(`{"city":"NYC"}`)}},
		}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: "72F"},
		{Role: llm.RoleAssistant, Content: ""},
		{Role: llm.RoleAssistant, Content: "It is 72F."},
	})

	if len(contents) != 4 {
		t.Fatalf("expected 4 turns, got %+v", contents)
	}
	if contents[1].Role != "model" || contents[1].Parts[0].FunctionCall.Name != "get_weather" {
		t.Errorf("unexpected model turn %+v", contents[1])
	}
	fr := contents[2].Parts[0].FunctionResponse
	if contents[2].Role != "user" || fr == nil || fr.Name != "get_weather" || fr.Response["content"] != "72F" {
		t.Errorf("unexpected function response turn %+v", contents[2])
	}
	if contents[3].Role != "model" || contents[3].Parts[0].Text != "It is 72F." {
		t.Errorf("unexpected final turn %+v", contents[3])
	}
}

func TestGeminiProviderInterface(t *testing.T) {
	var _ llm.Provider = (*Client)(nil)
}
