// Package web serves the courier map: login, the static page, its bootstrap
// config and the viewer socket that streams draw ops to the page.
package web

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"path/filepath"

	"courier-map/internal/auth"
	"courier-map/internal/courier"
	"courier-map/internal/logging"
	"courier-map/internal/tracking"
)

// Metrics receives HTTP and viewer lifecycle observations.
type Metrics interface {
	ObserveRequest(method string, status int)
	SocketOpened()
	SocketClosed()
	SessionStarted()
	SessionStopped()
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, int) {}
func (noopMetrics) SocketOpened()              {}
func (noopMetrics) SocketClosed()              {}
func (noopMetrics) SessionStarted()            {}
func (noopMetrics) SessionStopped()            {}

// MapConfig is what the page needs to build its Leaflet map.
type MapConfig struct {
	CenterLat   float64 `json:"centerLat"`
	CenterLon   float64 `json:"centerLon"`
	Zoom        int     `json:"zoom"`
	MaxZoom     int     `json:"maxZoom"`
	TileURL     string  `json:"tileURL"`
	Attribution string  `json:"attribution"`
}

type Deps struct {
	Auth      *auth.Service
	Fetcher   courier.Fetcher
	Session   tracking.SessionConfig
	Map       MapConfig
	StaticDir string
	Metrics   Metrics
	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string
	Logger         logging.Logger
}

type Server struct {
	auth      *auth.Service
	mapCfg    MapConfig
	staticDir string
	metrics   Metrics
	log       logging.Logger
	hub       *hub
	login     *template.Template

	promHandler http.Handler
	promPath    string
}

func NewServer(d Deps) (*Server, error) {
	if d.Auth == nil {
		return nil, errors.New("web: auth service is required")
	}
	if d.Fetcher == nil {
		return nil, errors.New("web: courier fetcher is required")
	}
	if d.Logger == nil {
		d.Logger = logging.Noop()
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	login, err := template.New("login").Parse(loginPage)
	if err != nil {
		return nil, err
	}
	return &Server{
		auth:        d.Auth,
		mapCfg:      d.Map,
		staticDir:   d.StaticDir,
		metrics:     d.Metrics,
		log:         d.Logger,
		hub:         newHub(d.Fetcher, d.Session, d.Metrics, d.Logger),
		login:       login,
		promHandler: d.MetricsHandler,
		promPath:    d.MetricsPath,
	}, nil
}

// Routes returns the server's handler tree wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/map-config", s.handleMapConfig)
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /ws", s.handleSocket)
	if s.promHandler != nil {
		mux.Handle("GET "+s.promPath, s.promHandler)
	}

	fs := http.FileServer(http.Dir(s.staticDir))
	mux.Handle("GET /static/", http.StripPrefix("/static/", fs))
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return withLogging(s.log, s.metrics, mux)
}

// Shutdown closes every viewer socket and waits for their sessions to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.hub.closeAll()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Viewers reports the number of open viewer sockets.
func (s *Server) Viewers() int { return s.hub.len() }

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !s.auth.IsAuthenticated(r) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
}

func (s *Server) handleMapConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.mapCfg)
}
