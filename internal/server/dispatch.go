package server

import (
	"context"
	"time"

	"github.com/danmuck/wireserv/internal/protocol/frame"
)

// Request is one admitted request handed to the dispatch boundary.
type Request struct {
	Header frame.Header
	Body   []byte

	// ThrottleDelay is the quota delay applied (or signaled, on a first
	// violation) before dispatch, so responses can report it.
	ThrottleDelay time.Duration

	RemoteAddr string
}

// Response is the opaque response body; the correlation id is echoed by the
// connection from the originating request.
type Response []byte

// Handler is the application dispatch boundary. Handle runs concurrently
// with the connection's read loop and with other requests; it must respect
// ctx, which is cancelled on server shutdown. A handler that never returns
// stalls its connection's teardown.
type Handler interface {
	Handle(ctx context.Context, req *Request) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (Response, error) {
	return f(ctx, req)
}

// ConcurrencyLimitedHandler bounds in-flight Handle calls across all
// connections with a semaphore, applying the server's dispatch budget.
type ConcurrencyLimitedHandler struct {
	inner Handler
	slots chan struct{}
}

func NewConcurrencyLimitedHandler(inner Handler, budget int) *ConcurrencyLimitedHandler {
	if budget <= 0 {
		budget = 1
	}
	return &ConcurrencyLimitedHandler{
		inner: inner,
		slots: make(chan struct{}, budget),
	}
}

func (h *ConcurrencyLimitedHandler) Handle(ctx context.Context, req *Request) (Response, error) {
	select {
	case h.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-h.slots }()
	return h.inner.Handle(ctx, req)
}
