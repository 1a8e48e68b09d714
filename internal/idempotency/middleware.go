package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
)

const (
	// HeaderKey is the request header carrying the caller's idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplay marks a response served from the cache.
	HeaderReplay = "X-Idempotency-Replay"
)

// Middleware wraps state-changing handlers with the cache. Requests without
// an Idempotency-Key pass straight through. Responses with a 5xx status are
// not cached, so the caller's retry reaches the handler again.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := r.Method + " " + r.URL.Path
		resp, replayed, err := c.Do(r.Context(), endpoint, key, func(ctx context.Context) (*Response, error) {
			rec := newRecorder()
			next.ServeHTTP(rec, r.WithContext(ctx))
			if rec.status >= http.StatusInternalServerError {
				return nil, &serverError{rec.snapshot()}
			}
			return rec.snapshot(), nil
		})

		var se *serverError
		switch {
		case errors.As(err, &se):
			writeResponse(w, se.resp, false)
		case err != nil:
			http.Error(w, `{"status":"error","error":"request with this idempotency key is in flight"}`, http.StatusConflict)
		default:
			writeResponse(w, resp, replayed)
		}
	})
}

// serverError carries a 5xx handler response through Do's failure path so
// the sentinel is released but the client still sees the handler's output.
type serverError struct {
	resp *Response
}

func (e *serverError) Error() string { return "handler returned a server error" }

func writeResponse(w http.ResponseWriter, resp *Response, replayed bool) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if replayed {
		w.Header().Set(HeaderReplay, "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// recorder captures a handler's response for caching.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) { r.status = status }

func (r *recorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *recorder) snapshot() *Response {
	headers := make(map[string]string, len(r.header))
	for k := range r.header {
		headers[k] = r.header.Get(k)
	}
	return &Response{
		Status:  r.status,
		Headers: headers,
		Body:    r.body.Bytes(),
	}
}
