package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// PostJSON marshals body, POSTs it to url with the given headers, and
// returns the response. Non-2xx responses are converted to a
// *TransportError and their body is closed. When streaming is true the
// request asks for an event stream.
//
// On success the caller owns the response body.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any, streaming bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		if v == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, ReadTransportError(provider, resp)
	}
	return resp, nil
}

// DecodeJSON decodes a success body into v, closing it. Decode failures are
// reported as *MalformedResponseError.
func DecodeJSON(provider string, resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &MalformedResponseError{Provider: provider, Reason: "decoding body", Err: err}
	}
	return nil
}
