package gateway

import (
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/photodav/photodav/internal/gzipgate"
)

const depthInfinityBody = "Depth infinity is not supported."

// serveWebdav handles everything the image pipeline does not: PROPFIND,
// OPTIONS, HEAD and plain GETs of non-image files. Responses other than
// large binary GETs pass through the gzip gate.
func (s *Server) serveWebdav(w http.ResponseWriter, r *http.Request) {
	if r.Method == "PROPFIND" {
		// RFC 4918: a PROPFIND without a Depth header means infinity
		if d := r.Header.Get("Depth"); d == "" || strings.EqualFold(d, "infinity") {
			http.Error(w, depthInfinityBody, http.StatusForbidden)
			return
		}
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "public, max-age=0, must-revalidate")

	ext := strings.ToLower(filepath.Ext(r.URL.Path))

	// binary downloads stream directly, everything else is buffered so the
	// gzip gate can see the whole body
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && !gzipgate.IsTextExtension(ext) {
		s.dav.ServeHTTP(w, r)
		return
	}

	buf := gzipgate.NewResponseBuffer(w, r, s.gate)
	s.dav.ServeHTTP(buf, r)
	buf.Flush()
}

func (s *Server) newWebdavHandler() *webdav.Handler {
	return &webdav.Handler{
		FileSystem: newDavFS(s.rootPath(), s.fs, func() int { return s.cfg.Snapshot().MaxList }),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				log(r.Context()).Debugf("webdav %v %v: %v", r.Method, r.URL.Path, err)
			}
		},
	}
}
