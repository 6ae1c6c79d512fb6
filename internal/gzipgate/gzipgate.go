// Package gzipgate decides whether a text response is worth compressing and
// applies gzip when it is. Compression is all-or-nothing: the body is
// compressed fully before the first byte is sent, so a client never receives
// a truncated gzip stream.
package gzipgate

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// MinSize is the smallest body eligible for compression.
const MinSize = 1024

// textExtensions are the file types served through the gzip gate.
var textExtensions = map[string]bool{
	".html": true,
	".htm":  true,
	".css":  true,
	".js":   true,
	".json": true,
	".xml":  true,
	".txt":  true,
	".md":   true,
}

// IsTextExtension reports whether ext (lowercase, with dot) is gated.
func IsTextExtension(ext string) bool {
	return textExtensions[strings.ToLower(ext)]
}

// AcceptsGzip reports whether the client advertised gzip support.
func AcceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// binaryContentType reports content types that are never compressed.
func binaryContentType(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "image/"),
		strings.HasPrefix(ct, "video/"),
		strings.HasPrefix(ct, "audio/"),
		strings.HasPrefix(ct, "application/octet-stream"):
		return true
	}

	return false
}

// Gate evaluates the compression policy against live configuration.
type Gate struct {
	Enabled   func() bool
	Threshold func() float64

	// Record, when set, receives the original and served byte counts of
	// every response that went through Serve.
	Record func(originalBytes, servedBytes int64)
}

// Condition compresses body when all gates pass: compression enabled, client
// accepts gzip, body is large enough, content type is not binary, and the
// achieved ratio beats the threshold. Returns the bytes to serve and whether
// they are gzipped.
func (g *Gate) Condition(r *http.Request, contentType string, body []byte) ([]byte, bool) {
	if !g.Enabled() || !AcceptsGzip(r) || len(body) < MinSize || binaryContentType(contentType) {
		return body, false
	}

	var buf bytes.Buffer

	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return body, false
	}

	if _, err := zw.Write(body); err != nil {
		return body, false
	}

	if err := zw.Close(); err != nil {
		return body, false
	}

	ratio := float64(buf.Len()) / float64(len(body))
	if ratio >= g.Threshold() {
		return body, false
	}

	return buf.Bytes(), true
}

// Serve writes body through the gate with the appropriate headers. status
// zero means 200.
func (g *Gate) Serve(w http.ResponseWriter, r *http.Request, status int, contentType string, body []byte) {
	out, gzipped := g.Condition(r, contentType, body)

	h := w.Header()

	if contentType != "" {
		h.Set("Content-Type", contentType)
	}

	if gzipped {
		h.Set("Content-Encoding", "gzip")
		h.Set("Vary", "Accept-Encoding")
	}

	h.Set("Content-Length", strconv.Itoa(len(out)))

	if status == 0 {
		status = http.StatusOK
	}

	w.WriteHeader(status)
	_, _ = w.Write(out)

	if g.Record != nil {
		g.Record(int64(len(body)), int64(len(out)))
	}
}
