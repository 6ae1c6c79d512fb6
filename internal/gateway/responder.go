package gateway

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// errAbandoned is returned to writers after the request handler gave up on
// the response (outer timeout fired or the handler returned). The pipeline
// treats it like a client disconnect.
var errAbandoned = errors.New("response abandoned")

// responder serializes access to the underlying ResponseWriter so that the
// processor goroutine, the scheduler's timeout path and the handler cannot
// interleave writes. Headers go out exactly once; anything after finish() is
// dropped.
type responder struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	started  bool
	finished bool
}

func newResponder(w http.ResponseWriter) *responder {
	return &responder{w: w}
}

// StartResponse emits the 200 header set for a streamed image body.
func (rw *responder) StartResponse(contentType string) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.startLocked(contentType, http.StatusOK, nil)
}

func (rw *responder) startLocked(contentType string, status int, extra map[string]string) {
	if rw.finished || rw.started {
		return
	}

	rw.started = true

	h := rw.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Connection", "Keep-Alive")
	h.Set("Keep-Alive", "timeout=600")

	for k, v := range extra {
		h.Set(k, v)
	}

	rw.w.WriteHeader(status)
}

// StartWithHeaders emits headers for a cache hit, where length and validators
// are known up front.
func (rw *responder) StartWithHeaders(contentType string, length int64, extra map[string]string) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if extra == nil {
		extra = map[string]string{}
	}

	extra["Content-Length"] = strconv.FormatInt(length, 10)

	rw.startLocked(contentType, http.StatusOK, extra)
}

func (rw *responder) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.finished {
		return 0, errAbandoned
	}

	if !rw.started {
		rw.startLocked("application/octet-stream", http.StatusOK, nil)
	}

	return rw.w.Write(p)
}

// Respond delivers a terminal status with a short text body, unless body
// bytes already went out.
func (rw *responder) Respond(status int, message string) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.finished || rw.started {
		return
	}

	rw.started = true

	h := rw.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(message)))
	rw.w.WriteHeader(status)
	_, _ = rw.w.Write([]byte(message))
}

// finish detaches the underlying writer. Late writers get errAbandoned.
func (rw *responder) finish() {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.finished = true
}
