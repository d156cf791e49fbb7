package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensesync/internal/config"
	"sensesync/internal/host"
	"sensesync/internal/reconcile"
	"sensesync/internal/scheduler"
	"sensesync/internal/sense"

	"go.uber.org/zap"
)

// StatusSource reports scheduler progress
type StatusSource interface {
	Status() scheduler.Status
}

// RecordSource lists the synchronized devices
type RecordSource interface {
	Records() []reconcile.Record
}

// SenseClient is the read-only part of the Sense client served by the API
type SenseClient interface {
	Session() sense.Session
	Authenticated() bool
	LastCall() time.Time
	Realtime() *sense.RealtimeSnapshot
	DailyUsage() float64
	DailyProduction() float64
	MonitorStatus(ctx context.Context) (json.RawMessage, error)
	AlwaysOn(ctx context.Context) (json.RawMessage, error)
	DeviceInfo(ctx context.Context, deviceID string) (json.RawMessage, error)
	DeviceNames(ctx context.Context) ([]string, error)
	NotificationPreferences(ctx context.Context) (json.RawMessage, error)
	Timeline(ctx context.Context, items int) (json.RawMessage, error)
}

const defaultTimelineItems = 30

// DeviceHost is the part of the host managed through the API
type DeviceHost interface {
	DeleteDevice(id host.DeviceID) error
	HasFolder(id host.FolderID) bool
}

// Deps are the collaborators served by the API. Metrics may be nil.
type Deps struct {
	Scheduler StatusSource
	Records   RecordSource
	Client    SenseClient
	Host      DeviceHost
	Store     *config.Store
	Metrics   http.Handler
}

// Server provides the HTTP status API for the sync engine
type Server struct {
	deps   Deps
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps, logger *zap.Logger, port int) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/{id}", s.handleDevice)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/monitor/status", s.handleMonitorStatus)
	mux.HandleFunc("/api/monitor/always_on", s.handleAlwaysOn)
	mux.HandleFunc("/api/monitor/devices", s.handleDeviceNames)
	mux.HandleFunc("/api/monitor/devices/{id}", s.handleDeviceInfo)
	mux.HandleFunc("/api/account/notifications", s.handleNotifications)
	mux.HandleFunc("/api/account/timeline", s.handleTimeline)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	Scheduler       scheduler.Status `json:"scheduler"`
	Authenticated   bool             `json:"authenticated"`
	MonitorID       string           `json:"monitor_id,omitempty"`
	LastCall        *time.Time       `json:"last_call,omitempty"`
	ActiveWatts     *float64         `json:"active_watts,omitempty"`
	SolarWatts      *float64         `json:"solar_watts,omitempty"`
	DailyUsage      float64          `json:"daily_usage_kwh"`
	DailyProduction float64          `json:"daily_production_kwh"`
	ConfigVersion   uint64           `json:"config_version"`
}

// ConfigUpdate is the body accepted by POST /api/config. Absent fields are left unchanged.
type ConfigUpdate struct {
	RateLimitSeconds  *int   `json:"rate_limit"`
	SolarEnabled      *bool  `json:"solar_enabled"`
	FolderID          *int64 `json:"folder_id"`
	GraceDelaySeconds *int   `json:"grace_delay"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleStatus returns scheduler progress plus the latest readings
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Scheduler:       s.deps.Scheduler.Status(),
		Authenticated:   s.deps.Client.Authenticated(),
		MonitorID:       s.deps.Client.Session().MonitorID,
		DailyUsage:      s.deps.Client.DailyUsage(),
		DailyProduction: s.deps.Client.DailyProduction(),
		ConfigVersion:   s.deps.Store.Version(),
	}
	if last := s.deps.Client.LastCall(); !last.IsZero() {
		response.LastCall = &last
	}
	if snap := s.deps.Client.Realtime(); snap != nil {
		active := snap.ActiveWatts
		response.ActiveWatts = &active
		if snap.HasSolar && s.deps.Store.Settings().SolarEnabled {
			solar := snap.SolarWatts
			response.SolarWatts = &solar
		}
	}

	s.writeJSON(w, http.StatusOK, response)

	s.logger.Debug("Status request served", zap.String("remote_addr", r.RemoteAddr))
}

// handleDevices lists the registry records
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Records.Records())
}

// handleDevice deletes one host device. The registry drops it when the
// scheduler drains the resulting stop notification.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid device id %q", r.PathValue("id")))
		return
	}

	if err := s.deps.Host.DeleteDevice(host.DeviceID(id)); err != nil {
		if errors.Is(err, host.ErrDeviceNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("Failed to delete device", zap.Int64("device_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("Device deleted through API", zap.Int64("device_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleConfig returns the current settings or applies a partial update
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.deps.Store.Settings())
	case http.MethodPost:
		var update ConfigUpdate
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&update); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
		if update.FolderID != nil {
			if err := reconcile.CheckFolder(s.deps.Host, *update.FolderID); err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		settings, err := s.deps.Store.Update(func(next *config.Settings) {
			if update.RateLimitSeconds != nil {
				next.RateLimitSeconds = *update.RateLimitSeconds
			}
			if update.SolarEnabled != nil {
				next.SolarEnabled = *update.SolarEnabled
			}
			if update.FolderID != nil {
				next.FolderID = *update.FolderID
			}
			if update.GraceDelaySeconds != nil {
				next.GraceDelaySeconds = *update.GraceDelaySeconds
			}
		})
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}

		s.logger.Info("Settings updated through API",
			zap.Uint64("version", s.deps.Store.Version()),
			zap.Int("rate_limit", settings.RateLimitSeconds),
			zap.Bool("solar_enabled", settings.SolarEnabled))
		s.writeJSON(w, http.StatusOK, settings)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, s.deps.Client.MonitorStatus)
}

func (s *Server) handleAlwaysOn(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, s.deps.Client.AlwaysOn)
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.proxy(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return s.deps.Client.DeviceInfo(ctx, id)
	})
}

func (s *Server) handleDeviceNames(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, func(ctx context.Context) (json.RawMessage, error) {
		names, err := s.deps.Client.DeviceNames(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(names)
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, s.deps.Client.NotificationPreferences)
}

// handleTimeline relays the account timeline, n_items entries long
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	items := defaultTimelineItems
	if raw := r.URL.Query().Get("n_items"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid n_items %q", sense.ErrValidation, raw))
			return
		}
		items = n
	}
	s.proxy(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return s.deps.Client.Timeline(ctx, items)
	})
}

// proxy relays a read-only monitor call
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, call func(context.Context) (json.RawMessage, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := call(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, sense.ErrNotAuthenticated):
			status = http.StatusServiceUnavailable
		case errors.Is(err, sense.ErrAPITimeout):
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("Monitor call failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Endpoint represents an API endpoint in the sitemap
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/status", Method: "GET", Description: "Scheduler state, session and latest readings"},
	{Path: "/api/devices", Method: "GET", Description: "Synchronized devices with their power"},
	{Path: "/api/devices/{id}", Method: "DELETE", Description: "Delete a host device"},
	{Path: "/api/config", Method: "GET", Description: "Current settings (passwords omitted)"},
	{Path: "/api/config", Method: "POST", Description: "Update rate_limit, solar_enabled, folder_id or grace_delay"},
	{Path: "/api/monitor/status", Method: "GET", Description: "Monitor status from the Sense service"},
	{Path: "/api/monitor/always_on", Method: "GET", Description: "Always-on usage from the Sense service"},
	{Path: "/api/monitor/devices", Method: "GET", Description: "Device names from the Sense app listing"},
	{Path: "/api/monitor/devices/{id}", Method: "GET", Description: "Device details from the Sense service"},
	{Path: "/api/account/notifications", Method: "GET", Description: "Notification preferences for the monitor"},
	{Path: "/api/account/timeline", Method: "GET", Description: "Account timeline (n_items, default 30)"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Sense Sync API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Sense Sync API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Sense Sync API\n")
		fmt.Fprintf(w, "==============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-7s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
