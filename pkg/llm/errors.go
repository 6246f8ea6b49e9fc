package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrCancelled marks a turn that stopped because the caller asked it to.
// It distinguishes a deliberate cancel from a genuine failure.
var ErrCancelled = errors.New("llm: cancelled")

// TransportError is returned when a vendor answers with a non-success
// status, or reports an error in-band while streaming.
type TransportError struct {
	Provider   string
	StatusCode int

	// Type is the vendor error type (e.g. "rate_limit_error"), if reported.
	Type    string
	Message string

	// Body is the raw error body as received, truncated.
	Body string
}

func (e *TransportError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: HTTP %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether repeating the call might succeed.
func (e *TransportError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, 529:
		return true
	}
	return e.StatusCode >= 500
}

// MalformedResponseError is returned when a success response does not have
// the shape the adapter expects.
type MalformedResponseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed response: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: malformed response: %s", e.Provider, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StreamParseError is returned when a stream frame cannot be skipped
// safely. Ordinary malformed data lines are dropped instead.
type StreamParseError struct {
	Provider string
	Line     string
	Err      error
}

func (e *StreamParseError) Error() string {
	return fmt.Sprintf("%s: stream parse: %v", e.Provider, e.Err)
}

func (e *StreamParseError) Unwrap() error { return e.Err }

// PluginError describes a failed plugin hook. It is logged at the call
// site and never returned to callers of the runtime.
type PluginError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// IsRetryable classifies an error returned while opening a call.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return err != nil
}

// ReadTransportError builds a TransportError from a non-success response.
// It understands the {"error":{"type":"...","message":"..."}} shape shared
// by most vendors and falls back to the raw body. The body is not closed.
func ReadTransportError(provider string, resp *http.Response) *TransportError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	te := &TransportError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		te.Type = wire.Error.Type
		if te.Type == "" {
			te.Type = wire.Error.Status
		}
		te.Message = wire.Error.Message
		return te
	}

	te.Message = string(body)
	if te.Message == "" {
		te.Message = resp.Status
	}
	return te
}
