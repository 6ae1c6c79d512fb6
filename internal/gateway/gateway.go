// Package gateway is the HTTP frontend: it routes settings and metrics
// endpoints, sends image GETs through the rendition pipeline and delegates
// everything else to WebDAV.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/webdav"

	"github.com/photodav/photodav/internal/config"
	"github.com/photodav/photodav/internal/fscache"
	"github.com/photodav/photodav/internal/gzipgate"
	"github.com/photodav/photodav/internal/inflight"
	"github.com/photodav/photodav/internal/logging"
	"github.com/photodav/photodav/internal/rendition"
	"github.com/photodav/photodav/internal/requestq"
	"github.com/photodav/photodav/internal/stats"
	"github.com/photodav/photodav/internal/transcode"
)

var log = logging.Module("gateway")

// Server socket timeouts.
const (
	readTimeout       = 60 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 65 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Params wires the server's collaborators.
type Params struct {
	Config     *config.Registry
	FSCache    *fscache.Cache
	Renditions *rendition.DiskCache
	Tracker    *inflight.Tracker
	Queue      *requestq.Queue
	Transcoder *transcode.Transcoder
	Stats      *stats.Collector

	// PublicDir holds the settings UI statics.
	PublicDir string
}

// Server is the HTTP frontend.
type Server struct {
	cfg        *config.Registry
	fs         *fscache.Cache
	renditions *rendition.DiskCache
	tracker    *inflight.Tracker
	queue      *requestq.Queue
	transcoder *transcode.Transcoder
	stats      *stats.Collector
	publicDir  string

	gate   *gzipgate.Gate
	dav    *webdav.Handler
	router *mux.Router

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
}

// New assembles the frontend.
func New(p Params) *Server {
	s := &Server{
		cfg:        p.Config,
		fs:         p.FSCache,
		renditions: p.Renditions,
		tracker:    p.Tracker,
		queue:      p.Queue,
		transcoder: p.Transcoder,
		stats:      p.Stats,
		publicDir:  p.PublicDir,
	}

	s.gate = &gzipgate.Gate{
		Enabled:   func() bool { return s.cfg.Snapshot().CompressionEnabled },
		Threshold: func() float64 { return s.cfg.Snapshot().CompressionThreshold },
		Record: func(original, served int64) {
			s.stats.Record(stats.CategoryText, original, served)
		},
	}

	s.dav = s.newWebdavHandler()

	r := mux.NewRouter()
	r.HandleFunc("/setting/data", s.handleSettingsData).Methods(http.MethodGet)
	r.HandleFunc("/setting/save", s.handleSettingsSave).Methods(http.MethodPost)
	r.HandleFunc("/setting/sysinfo", s.handleSysinfo).Methods(http.MethodGet)
	r.HandleFunc("/setting/stats", s.handleStats).Methods(http.MethodGet)
	r.PathPrefix("/setting").HandlerFunc(s.handleSettingsStatic).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.serveLibrary)

	s.router = r

	return s
}

func (s *Server) rootPath() string {
	return s.cfg.Snapshot().RootPath
}

// Handler exposes the full route table.
func (s *Server) Handler() http.Handler {
	return s.router
}

// serveLibrary resolves the request path inside the library root and
// dispatches to the image or WebDAV pipeline.
func (s *Server) serveLibrary(w http.ResponseWriter, r *http.Request) {
	fullPath, err := SafeResolve(s.rootPath(), r.URL.Path)
	if err != nil {
		log(r.Context()).Warnf("rejected path %v from %v: %v", r.URL.Path, r.RemoteAddr, err)
		http.Error(w, "Access denied", http.StatusForbidden)

		return
	}

	if isImageRequest(r) {
		s.serveImage(w, r, fullPath)
		return
	}

	s.serveWebdav(w, r)
}

// newHTTPServer builds one listener's server with timeouts on both
// directions, so neither a stalled sender nor a stalled reader can pin a
// connection goroutine forever.
func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Start opens one listener per configured port. A port already in use is
// logged and skipped; Start only fails when no listener could be opened.
func (s *Server) Start(ctx context.Context) error {
	ports := s.cfg.Snapshot().Ports

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, port := range ports {
		l, err := net.Listen("tcp", ":"+port)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				log(ctx).Errorf("port %v already in use, skipping", port)
				continue
			}

			return errors.Wrapf(err, "listening on port %v", port)
		}

		srv := s.newHTTPServer()

		s.listeners = append(s.listeners, l)
		s.servers = append(s.servers, srv)

		log(ctx).Infof("listening on port %v", port)

		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log(ctx).Errorf("server error: %v", err)
			}
		}()
	}

	if len(s.servers) == 0 {
		return errors.New("no listeners could be opened")
	}

	return nil
}

// Close drains active responses and shuts the listeners down.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	servers := s.servers
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log(ctx).Warnf("shutdown: %v", err)
		}
	}
}
