package httpmw

import (
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
)

// CommitWriter wraps an http.ResponseWriter with the commit-point state
// machine the proxy handler drives: Buffering until the first byte (header
// or body) actually reaches the client, then Committed. Once Committed,
// internal/retry must not attempt another upstream for this request — this
// flag is the single source of truth the retry engine checks before
// starting a new attempt.
//
// Built on httpsnoop.Wrap so Flush (required for SSE) and Hijack keep
// working through the wrapper, instead of a hand-rolled embedding wrapper
// that only implements the interfaces it remembers to.
type CommitWriter struct {
	http.ResponseWriter

	mu        sync.Mutex
	committed bool
	status    int
	written   int64
}

// Wrap returns w wrapped so that Committed() reports true as soon as any
// byte (status line or body) has been sent to the client.
func Wrap(w http.ResponseWriter) *CommitWriter {
	cw := &CommitWriter{status: http.StatusOK}
	hooks := httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				cw.mu.Lock()
				cw.committed = true
				cw.status = code
				cw.mu.Unlock()
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				cw.mu.Lock()
				cw.committed = true
				cw.mu.Unlock()
				n, err := next(b)
				cw.mu.Lock()
				cw.written += int64(n)
				cw.mu.Unlock()
				return n, err
			}
		},
		Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
			return func() {
				cw.mu.Lock()
				cw.committed = true
				cw.mu.Unlock()
				next()
			}
		},
	}
	cw.ResponseWriter = httpsnoop.Wrap(w, hooks)
	return cw
}

// Committed reports whether any byte has reached the client yet. The retry
// engine consults this immediately before issuing a new attempt; once true
// the current attempt result is final regardless of its error class.
func (c *CommitWriter) Committed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// StatusCode returns the status written so far, or 200 if none has been
// written explicitly yet.
func (c *CommitWriter) StatusCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// BytesWritten returns the number of response body bytes written so far.
func (c *CommitWriter) BytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Flush implements http.Flusher by delegating to the wrapped writer, if it
// supports flushing. Embedding http.ResponseWriter alone wouldn't promote
// this method since the field's static type doesn't declare it.
func (c *CommitWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
