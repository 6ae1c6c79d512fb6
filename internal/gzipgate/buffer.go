package gzipgate

import (
	"bytes"
	"net/http"
)

// ResponseBuffer is an http.ResponseWriter that holds the entire response in
// memory so the gzip gate can inspect it once the handler finishes. Used for
// the WebDAV handler, whose PROPFIND bodies are produced incrementally.
type ResponseBuffer struct {
	w    http.ResponseWriter
	r    *http.Request
	gate *Gate

	status int
	body   bytes.Buffer
}

// NewResponseBuffer wraps w for the duration of one request. The caller must
// invoke Flush exactly once after the inner handler returns.
func NewResponseBuffer(w http.ResponseWriter, r *http.Request, gate *Gate) *ResponseBuffer {
	return &ResponseBuffer{w: w, r: r, gate: gate}
}

func (b *ResponseBuffer) Header() http.Header {
	return b.w.Header()
}

func (b *ResponseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}

	return b.body.Write(p)
}

// Flush applies the gate and sends the buffered response.
func (b *ResponseBuffer) Flush() {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}

	body := b.body.Bytes()

	ct := b.w.Header().Get("Content-Type")
	if ct == "" && len(body) > 0 {
		ct = http.DetectContentType(body)
	}

	b.gate.Serve(b.w, b.r, status, ct, body)
}
