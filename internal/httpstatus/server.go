// Package httpstatus implements the optional local status HTTP page
// described in spec §6: read-only pages at "/" listing modules and
// sensors, with GET-based start/stop control actions
// (?module=<n>&action=start|stop). No authentication is performed — a
// reverse proxy is assumed to sit in front of it, exactly as spec §6
// states.
package httpstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dabamos/openadms-node/internal/buildinfo"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/sensor"
)

// writeJSON encodes v as JSON to w, logging any write failure at debug
// level — typically just means the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the local status/control HTTP page.
type Server struct {
	bind    string
	port    int
	manager *runtime.Manager
	catalog *sensor.Catalog
	logs    *RingBuffer
	logger  *slog.Logger
	server  *http.Server
}

// NewServer builds a status server bound to bind:port, reporting on
// manager's worker roster and catalog's sensors, with logs as its log
// tail buffer (with nil, the /logs endpoint returns an empty list).
func NewServer(bind string, port int, manager *runtime.Manager, catalog *sensor.Catalog, logs *RingBuffer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bind: bind, port: port, manager: manager, catalog: catalog, logs: logs, logger: logger.With("component", "httpstatus")}
}

// Start builds the route table and serves until ctx is canceled or the
// listener errors. Intended to be run in its own goroutine by main.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /logs", s.handleLogs)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.bind, s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting status page", "bind", s.bind, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpstatus: %w", err)
	}
	return nil
}

// Shutdown stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleIndex serves the read-only module/sensor listing, applying a
// start/stop control action first when ?module= and ?action= are both
// given, matching spec §6's "?module=<n>&action=start|stop".
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	moduleName := r.URL.Query().Get("module")
	action := r.URL.Query().Get("action")

	var actionErr string
	if moduleName != "" && action != "" {
		if err := s.applyAction(moduleName, action); err != nil {
			actionErr = err.Error()
		}
	}

	roster := s.manager.Roster()
	modules := make([]moduleStatus, 0, len(roster))
	for name, running := range roster {
		modules = append(modules, moduleStatus{Name: name, Running: running})
	}

	sensors := s.catalog.Names()

	resp := indexResponse{
		Version: buildinfo.Version,
		Uptime:  buildinfo.UptimeString(),
		Modules: modules,
		Sensors: sensors,
	}
	if actionErr != "" {
		resp.Error = actionErr
	}
	writeJSON(w, resp, s.logger)
}

type moduleStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type indexResponse struct {
	Version string         `json:"version"`
	Uptime  string         `json:"uptime"`
	Modules []moduleStatus `json:"modules"`
	Sensors []string       `json:"sensors"`
	Error   string         `json:"error,omitempty"`
}

func (s *Server) applyAction(moduleName, action string) error {
	w, ok := s.manager.Worker(moduleName)
	if !ok {
		return fmt.Errorf("unknown module %q", moduleName)
	}
	switch action {
	case "start":
		w.Start()
	case "stop":
		w.Stop()
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

// handleLogs serves the buffered log tail, most recent entries last,
// matching RingBufferLogHandler.get_logs.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, []string{}, s.logger)
		return
	}
	writeJSON(w, s.logs.Get(), s.logger)
}
