// Package testutil provides testing utilities for the sync engine.
// This package contains a mock Sense service (REST endpoints plus the
// realtime websocket feed) for writing client and scheduler tests.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message represents a realtime feed frame
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// RealtimeDevice is one entry of the realtime devices array
type RealtimeDevice struct {
	ID   string  `json:"id"`
	Name string  `json:"name,omitempty"`
	W    float64 `json:"w"`
}

// RealtimePayload is the payload of a realtime_update frame
type RealtimePayload struct {
	W       float64          `json:"w"`
	SolarW  *float64         `json:"solar_w,omitempty"`
	Devices []RealtimeDevice `json:"devices"`
	Epoch   int64            `json:"epoch"`
}

// Device is a discovery endpoint entry
type Device struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Tags map[string]interface{} `json:"tags,omitempty"`
}

// TrendTotals mirrors one side of a trends response
type TrendTotals struct {
	Total float64 `json:"total"`
}

// Trend mirrors a trends response
type Trend struct {
	Consumption TrendTotals `json:"consumption"`
	Production  TrendTotals `json:"production"`
}

// Request records a REST request for verification
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Time   time.Time
}

// MockSenseServer simulates the Sense cloud service
type MockSenseServer struct {
	server    *httptest.Server
	username  string
	password  string
	token     string
	monitorID string
	userID    string

	mu           sync.Mutex
	realtime     RealtimePayload
	preamble     []string
	stallFeed    bool
	devices      []Device
	trends       map[string]Trend
	authStatus   int
	trendStatus  int
	requests     []Request
	feedConnects int
	authCalls    int
}

// NewMockSenseServer creates a new mock server accepting the given credentials
func NewMockSenseServer(username, password, token string) *MockSenseServer {
	return &MockSenseServer{
		username:  username,
		password:  password,
		token:     token,
		monitorID: "12345",
		userID:    "678",
		preamble:  []string{"hello", "monitor_info", "data_change"},
		trends:    make(map[string]Trend),
		devices:   make([]Device, 0),
	}
}

// Start starts the mock server on a random local port
func (s *MockSenseServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/authenticate", s.handleAuthenticate)
	mux.HandleFunc("/api/app/history/trends", s.handleTrends)
	mux.HandleFunc("/api/monitors/", s.handleDevices)
	mux.HandleFunc("/api/app/monitors/", s.handleMonitorCall)
	mux.HandleFunc("/api/users/", s.handleUserCall)
	mux.HandleFunc("/monitors/", s.handleRealtime)

	s.server = httptest.NewServer(mux)
}

// Stop stops the mock server
func (s *MockSenseServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

// APIURL returns the REST base URL to configure the client with
func (s *MockSenseServer) APIURL() string {
	return s.server.URL + "/api/"
}

// RealtimeURL returns the websocket base URL to configure the client with
func (s *MockSenseServer) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// MonitorID returns the monitor id handed out on authentication
func (s *MockSenseServer) MonitorID() string {
	return s.monitorID
}

// SetRealtime sets the payload sent in the next realtime_update frames
func (s *MockSenseServer) SetRealtime(payload RealtimePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtime = payload
}

// SetStallFeed makes the feed send only preamble frames and never a realtime_update
func (s *MockSenseServer) SetStallFeed(stall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallFeed = stall
}

// SetDevices sets the discovery endpoint response
func (s *MockSenseServer) SetDevices(devices []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

// SetTrend sets the trends response for a scale
func (s *MockSenseServer) SetTrend(scale string, trend Trend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trends[scale] = trend
}

// SetAuthStatus forces the authentication endpoint to answer with status
func (s *MockSenseServer) SetAuthStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authStatus = status
}

// SetTrendStatus forces the trends endpoint to answer with status
func (s *MockSenseServer) SetTrendStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trendStatus = status
}

// FeedConnects returns how many realtime connections were opened
func (s *MockSenseServer) FeedConnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedConnects
}

// AuthCalls returns how many authentication requests were received
func (s *MockSenseServer) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// Requests returns all recorded REST requests
func (s *MockSenseServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo returns recorded REST requests for a path
func (s *MockSenseServer) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *MockSenseServer) record(r *http.Request) {
	query := make(map[string]string)
	for key := range r.URL.Query() {
		query[key] = r.URL.Query().Get(key)
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  query,
		Time:   time.Now(),
	})
	s.mu.Unlock()
}

func (s *MockSenseServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "bearer "+s.token
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode mock response: %v", err)
	}
}

// handleAuthenticate handles the credential POST
func (s *MockSenseServer) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	s.authCalls++
	forced := s.authStatus
	s.mu.Unlock()

	if forced != 0 {
		http.Error(w, "forced failure", forced)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("email") != s.username || r.PostForm.Get("password") != s.password {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]interface{}{
		"authorized":   true,
		"access_token": s.token,
		"user_id":      s.userID,
		"monitors": []map[string]interface{}{
			{"id": 12345, "serial_number": "mock"},
		},
	})
}

// handleTrends handles history trend requests
func (s *MockSenseServer) handleTrends(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	forced := s.trendStatus
	trend := s.trends[r.URL.Query().Get("scale")]
	s.mu.Unlock()

	if forced != 0 {
		http.Error(w, "forced failure", forced)
		return
	}
	writeJSON(w, trend)
}

// handleDevices handles the discovery endpoint
func (s *MockSenseServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.URL.Path != "/api/monitors/"+s.monitorID+"/devices" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	devices := append([]Device(nil), s.devices...)
	s.mu.Unlock()

	writeJSON(w, devices)
}

// handleMonitorCall answers status, always-on and device info requests
func (s *MockSenseServer) handleMonitorCall(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	prefix := "/api/app/monitors/" + s.monitorID + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}

	switch suffix := strings.TrimPrefix(r.URL.Path, prefix); {
	case suffix == "status":
		writeJSON(w, map[string]interface{}{"monitor_info": map[string]interface{}{"online": true}})
	case suffix == "devices":
		s.mu.Lock()
		devices := append([]Device(nil), s.devices...)
		s.mu.Unlock()
		writeJSON(w, devices)
	case suffix == "devices/always_on":
		writeJSON(w, map[string]interface{}{"w": 120})
	case strings.HasPrefix(suffix, "devices/"):
		writeJSON(w, map[string]interface{}{"device": map[string]interface{}{"id": strings.TrimPrefix(suffix, "devices/")}})
	default:
		http.NotFound(w, r)
	}
}

// handleUserCall answers notification preference and timeline requests
func (s *MockSenseServer) handleUserCall(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/api/users/" + s.userID + "/notifications":
		writeJSON(w, map[string]interface{}{
			"monitor_id": r.URL.Query().Get("monitor_id"),
			"always_on":  map[string]interface{}{"enabled": true},
		})
	case "/api/users/" + s.userID + "/timeline":
		writeJSON(w, map[string]interface{}{
			"n_items": r.URL.Query().Get("n_items"),
			"items":   []map[string]interface{}{{"type": "DeviceWasOn", "device_id": "fridge"}},
		})
	default:
		http.NotFound(w, r)
	}
}

// handleRealtime serves the realtime feed: a few preamble frames followed by
// realtime_update frames until the client hangs up.
func (s *MockSenseServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/monitors/"+s.monitorID+"/realtimefeed" || r.URL.Query().Get("access_token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.feedConnects++
	preamble := append([]string(nil), s.preamble...)
	stall := s.stallFeed
	s.mu.Unlock()

	for _, frameType := range preamble {
		if err := conn.WriteJSON(Message{Type: frameType, Payload: map[string]interface{}{}}); err != nil {
			return
		}
	}

	if stall {
		// Hold the connection open until the client gives up
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	for {
		s.mu.Lock()
		payload := s.realtime
		s.mu.Unlock()

		if err := conn.WriteJSON(Message{Type: "realtime_update", Payload: payload}); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
