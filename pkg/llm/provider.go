package llm

import (
	"context"
	"io"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, role shaping, and response parsing. Adapters hold no
// per-call state, so one value may serve many concurrent calls.
type Provider interface {
	// Name is the registry key of the adapter (e.g. "openai").
	Name() string

	// Chat sends a request and blocks until the full response is available.
	Chat(ctx context.Context, messages []Message, req Request) (*Response, error)

	// Stream opens a streamed call. The returned stream yields chunks as bytes
	// arrive and must be closed by the caller.
	Stream(ctx context.Context, messages []Message, req Request) (*ChunkStream, error)
}

// ChunkStream is a pull-based, single-use sequence of chunks read from a live
// response. It is finite: exactly one terminal chunk is produced, after which
// Next returns io.EOF. A stream whose transport ends without an explicit
// terminal signal still yields a synthesized terminal chunk.
//
// ChunkStream is not safe for concurrent use.
type ChunkStream struct {
	next   func() (Chunk, error)
	closer io.Closer
	done   bool
}

// NewChunkStream wraps an adapter iteration function. next must return
// (chunk, nil) for each chunk and (zero, io.EOF) when the transport is
// exhausted. closer releases the underlying body and may be nil.
func NewChunkStream(next func() (Chunk, error), closer io.Closer) *ChunkStream {
	return &ChunkStream{next: next, closer: closer}
}

// NewStaticStream returns a stream that yields the given chunks in order.
// It is used by fakes and by callers that already hold a full response.
func NewStaticStream(chunks ...Chunk) *ChunkStream {
	i := 0
	return NewChunkStream(func() (Chunk, error) {
		if i >= len(chunks) {
			return Chunk{}, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	}, nil)
}

// Next returns the next chunk, suspending until one is available.
//
//	for {
//	    chunk, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // process chunk
//	}
func (s *ChunkStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	chunk, err := s.next()
	if err == io.EOF {
		s.done = true
		return Chunk{Done: true}, nil
	}
	if err != nil {
		s.done = true
		return Chunk{}, err
	}
	if chunk.Terminal() {
		s.done = true
	}
	return chunk, nil
}

// Close releases the underlying response body. It must be called even when
// iteration stopped early.
func (s *ChunkStream) Close() error {
	s.done = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Config holds common configuration for LLM providers. A nil sampling
// parameter is left to the vendor's default; zero is sent as zero.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Request builds the per-call request for cfg.
func (c Config) Request() Request {
	req := Request{
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey,
	}
	if c.Temperature != nil {
		temp := *c.Temperature
		req.Temperature = &temp
	}
	if c.TopP != nil {
		topP := *c.TopP
		req.TopP = &topP
	}
	return req
}

// Float returns a pointer to v, for the optional sampling parameters.
func Float(v float64) *float64 { return &v }
