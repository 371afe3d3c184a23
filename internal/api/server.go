// Package api exposes the running pipeline over HTTP: status, live
// transform parameters, transform hot-swap, feedback reset, overlay layers,
// a WebSocket stats stream and the MJPEG preview.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/output"
	"github.com/bryanchriswhite/LoopCam/internal/overlay"
	"github.com/bryanchriswhite/LoopCam/internal/pipeline"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	loop      *pipeline.Loop
	slot      *transform.Slot
	overlays  *overlay.Manager
	configMgr *config.Manager // optional
	mjpeg     *output.MJPEGSink
	upgrader  websocket.Upgrader
	http      *http.Server

	// StatsInterval is the period of the WebSocket stats stream
	StatsInterval time.Duration
}

// NewServer creates a server for an assembled pipeline. configMgr may be
// nil. The MJPEG routes are mounted when the pipeline streams MJPEG.
func NewServer(a *pipeline.Assembly, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		loop:      a.Loop,
		slot:      a.Slot,
		overlays:  a.Overlays,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local control surface
			},
		},
		StatsInterval: 500 * time.Millisecond,
	}
	if m, ok := a.Sink.(*output.MJPEGSink); ok {
		s.mjpeg = m
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Transform parameters
	api.HandleFunc("/params", s.handleGetParams).Methods("GET")
	api.HandleFunc("/params", s.handleSetParams).Methods("PUT")
	api.HandleFunc("/params/{name}", s.handleSetParam).Methods("PUT")
	api.HandleFunc("/params/{name}", s.handleDeleteParam).Methods("DELETE")

	// Transform
	api.HandleFunc("/transform", s.handleGetTransform).Methods("GET")
	api.HandleFunc("/transform", s.handleSetTransform).Methods("PUT")
	api.HandleFunc("/feedback/reset", s.handleResetFeedback).Methods("POST")

	// Overlay layers
	api.HandleFunc("/overlay", s.handleSetOverlay).Methods("PUT")
	api.HandleFunc("/layers", s.handleGetLayers).Methods("GET")
	api.HandleFunc("/layers/types", s.handleGetLayerTypes).Methods("GET")
	api.HandleFunc("/layers/{id}", s.handleUpdateLayer).Methods("PUT")

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/stats/stream", s.handleStatsStream)

	if s.mjpeg != nil {
		s.router.HandleFunc("/stream", s.mjpeg.StreamHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot.jpg", s.mjpeg.SnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/viewer", s.mjpeg.ViewerHandler()).Methods("GET")
	}

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	logger.WithComponent("api").Info().Int("port", port).Msg("Starting HTTP server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// TransformInfo describes the active transform
type TransformInfo struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Source   string   `json:"source,omitempty"`
	Version  uint64   `json:"version"`
	Builtins []string `json:"builtins"`
}

func (s *Server) transformInfo() TransformInfo {
	t := s.slot.Load()
	info := TransformInfo{
		Name:     t.Name(),
		Kind:     string(t.Kind()),
		Version:  s.slot.Version(),
		Builtins: transform.BuiltinNames(),
	}
	if st, ok := t.(*transform.ScriptTransform); ok {
		info.Source = st.Source()
	}
	return info
}

// Status is the body of GET /api/status
type Status struct {
	Pipeline  pipeline.Stats `json:"pipeline"`
	Transform TransformInfo  `json:"transform"`
	Overlay   OverlayStatus  `json:"overlay"`
	Stream    *StreamStatus  `json:"stream,omitempty"`
}

// OverlayStatus summarises the overlay manager
type OverlayStatus struct {
	Enabled bool `json:"enabled"`
	Layers  int  `json:"layers"`
}

// StreamStatus reports MJPEG viewers
type StreamStatus struct {
	Clients int    `json:"clients"`
	Frames  uint64 `json:"frames"`
}

func (s *Server) status() Status {
	st := Status{
		Pipeline:  s.loop.Stats(),
		Transform: s.transformInfo(),
		Overlay: OverlayStatus{
			Enabled: s.overlays.IsEnabled(),
			Layers:  len(s.overlays.GetAllLayers()),
		},
	}
	if s.mjpeg != nil {
		st.Stream = &StreamStatus{Clients: s.mjpeg.Clients(), Frames: s.mjpeg.Frames()}
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"state":   s.loop.State().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Params().Snapshot().Export())
}

// handleSetParams sets several parameters; the batch is validated before
// any value is written
func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	values := make(transform.Params, len(req))
	for name, raw := range req {
		v, err := transform.ValueFrom(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parameter %q: %w", name, err))
			return
		}
		if name == transform.ParamTime || name == transform.ParamTick || name == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parameter %q cannot be set", name))
			return
		}
		values[name] = v
	}

	store := s.loop.Params()
	for name, v := range values {
		if err := store.Set(name, v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	logger.WithComponent("api").Debug().Int("count", len(values)).Msg("Parameters updated")
	writeJSON(w, http.StatusOK, store.Snapshot().Export())
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v, err := transform.ValueFrom(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.loop.Params().Set(name, v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{name: v.Interface()})
}

func (s *Server) handleDeleteParam(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.loop.Params().Delete(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("parameter %q not set", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTransform(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.transformInfo())
}

// handleSetTransform replaces the active transform. The body names a
// built-in or carries a script; the swap applies from the next tick.
func (s *Server) handleSetTransform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Builtin string `json:"builtin"`
		Script  string `json:"script"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var t transform.Transform
	var err error
	switch {
	case req.Builtin != "" && req.Script != "":
		err = errors.New("set either builtin or script, not both")
	case req.Builtin != "":
		t, err = transform.Builtin(req.Builtin)
	case req.Script != "":
		name := req.Name
		if name == "" {
			name = "api"
		}
		t, err = transform.CompileScript(name, req.Script)
	default:
		err = errors.New("builtin or script is required")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.slot.Store(t)
	logger.WithComponent("api").Info().
		Str("transform", t.Name()).
		Str("kind", string(t.Kind())).
		Msg("Transform replaced")
	writeJSON(w, http.StatusOK, s.transformInfo())
}

func (s *Server) handleResetFeedback(w http.ResponseWriter, r *http.Request) {
	s.loop.RequestReset()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

func (s *Server) handleSetOverlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	s.overlays.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, s.status().Overlay)
}

func (s *Server) handleGetLayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.overlays.ExportConfig())
}

func (s *Server) handleGetLayerTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.overlays.GetAvailableLayerTypes())
}

func (s *Server) handleUpdateLayer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	layer, ok := s.overlays.GetLayer(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("layer %q not found", id))
		return
	}

	var req map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.overlays.UpdateLayer(id, req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, layer.GetConfig())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		writeError(w, http.StatusNotFound, errors.New("no configuration loaded"))
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

// handleStatsStream pushes the status over a WebSocket until the client
// goes away
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read side only exists to notice the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.StatsInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.status()); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	preview := ""
	if s.mjpeg != nil {
		preview = `<p><a href="/viewer">Open preview</a></p><img src="/stream" alt="preview" style="max-width:100%">`
	}
	fmt.Fprintf(w, indexHTML, preview)
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>LoopCam</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 800px; margin: 2em auto; }
        code { background: #eee; padding: 0 .3em; }
    </style>
</head>
<body>
    <h1>LoopCam</h1>
    %s
    <ul>
        <li><code>GET /api/status</code></li>
        <li><code>GET|PUT /api/params</code></li>
        <li><code>GET|PUT /api/transform</code></li>
        <li><code>POST /api/feedback/reset</code></li>
        <li><code>GET /api/layers</code></li>
        <li><code>WS /api/stats/stream</code></li>
    </ul>
</body>
</html>
`
