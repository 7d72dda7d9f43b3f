package searchpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// ProgressEvent is one SSE message's JSON payload.
type ProgressEvent struct {
	Stage  string         `json:"stage"`
	Detail map[string]any `json:"detail,omitempty"`
}

// SSEEmitter streams ProgressEvents over an HTTP connection. It is
// grounded directly on the teacher's internal/mcpserver/server/sse.go
// SSEStream: same headers, same event/id/data framing, same flush-per-
// message discipline, repointed from JSON-RPC messages at search
// progress events.
type SSEEmitter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	eventID int
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSSEEmitter sets SSE response headers and wraps ctx with a cancel
// func the caller can trigger via Close.
func NewSSEEmitter(ctx context.Context, w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	streamCtx, cancel := context.WithCancel(ctx)
	return &SSEEmitter{w: w, flusher: flusher, ctx: streamCtx, cancel: cancel}, nil
}

// Emit implements ProgressEmitter. Marshal/write errors are swallowed —
// a client that has gone away must never fail the search itself.
func (s *SSEEmitter) Emit(stage string, detail map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	data, err := json.Marshal(ProgressEvent{Stage: stage, Detail: detail})
	if err != nil {
		return
	}

	fmt.Fprintf(s.w, "event: message\n")
	fmt.Fprintf(s.w, "id: %d\n", s.eventID)
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *SSEEmitter) Close() { s.cancel() }

func (s *SSEEmitter) Done() <-chan struct{} { return s.ctx.Done() }

// NoopEmitter discards every event; useful for callers (tests, the fast
// search path when no SSE client is attached) that don't need progress
// streaming.
type NoopEmitter struct{}

func (NoopEmitter) Emit(stage string, detail map[string]any) {}
