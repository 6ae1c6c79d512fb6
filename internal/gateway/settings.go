package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/photodav/photodav/internal/sysinfo"
)

// maxSettingsBody bounds POST /setting/save payloads.
const maxSettingsBody = 1 << 20

// settingsContentTypes is the extension table for statics under public/.
var settingsContentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
}

func (s *Server) handleSettingsData(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, map[string]string{"content": s.cfg.RawText()})
}

func (s *Server) handleSettingsSave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var payload struct {
		Content string `json:"content"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.cfg.SaveRaw(ctx, payload.Content); err != nil {
		log(ctx).Errorf("unable to save settings: %v", err)
		http.Error(w, "Unable to save settings", http.StatusInternalServerError)

		return
	}

	log(ctx).Infof("settings saved via web UI")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSysinfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, sysinfo.Collect())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.stats.Snapshot())
}

// handleSettingsStatic serves files under public/.
func (s *Server) handleSettingsStatic(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/setting")
	if rel == "" || rel == "/" {
		rel = "/index.html"
	}

	full, err := SafeResolve(s.publicDir, rel)
	if err != nil {
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}

	data, err := os.ReadFile(full) //nolint:gosec
	if err != nil {
		http.NotFound(w, r)
		return
	}

	ct := settingsContentTypes[strings.ToLower(filepath.Ext(full))]
	if ct == "" {
		ct = "application/octet-stream"
	}

	s.gate.Serve(w, r, 0, ct, data)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.gate.Serve(w, r, 0, "application/json; charset=utf-8", data)
}
