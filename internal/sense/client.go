package sense

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL       = "https://api.sense.com/apiservice/api/v1/"
	DefaultRealtimeURL  = "wss://clientrt.sense.com"
	DefaultAPITimeout   = 5 * time.Second
	DefaultWireTimeout  = 5 * time.Second
	defaultRequestRate  = 5
	defaultRequestBurst = 6
)

// Config configures a Client. Zero values fall back to the Sense defaults.
type Config struct {
	APIURL      string
	RealtimeURL string
	APITimeout  time.Duration
	WireTimeout time.Duration

	// RequestsPerSecond throttles REST calls (authentication, trends,
	// discovery). Zero uses the default.
	RequestsPerSecond float64

	Clock clockwork.Clock
}

// Client talks to the Sense cloud service. It owns the authenticated
// session, the cached realtime snapshot and the trend results.
type Client struct {
	apiURL      string
	realtimeURL string
	wireTimeout time.Duration
	http        *http.Client
	dialer      *websocket.Dialer
	clock       clockwork.Clock
	logger      *zap.Logger

	mu       sync.Mutex
	session  Session
	realtime *RealtimeSnapshot
	lastCall time.Time
	trends   map[Scale]*Trend
}

// NewClient creates a new Sense client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	apiURL := strings.TrimSpace(cfg.APIURL)
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	realtimeURL := strings.TrimRight(strings.TrimSpace(cfg.RealtimeURL), "/")
	if realtimeURL == "" {
		realtimeURL = DefaultRealtimeURL
	}
	apiTimeout := cfg.APITimeout
	if apiTimeout <= 0 {
		apiTimeout = DefaultAPITimeout
	}
	wireTimeout := cfg.WireTimeout
	if wireTimeout <= 0 {
		wireTimeout = DefaultWireTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestRate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Client{
		apiURL:      apiURL,
		realtimeURL: realtimeURL,
		wireTimeout: wireTimeout,
		http: &http.Client{
			Timeout: apiTimeout,
			Transport: &throttledTransport{
				limiter: rate.NewLimiter(rate.Limit(rps), defaultRequestBurst),
				base:    http.DefaultTransport,
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wireTimeout,
		},
		clock:  clock,
		logger: logger.Named("sense"),
		trends: make(map[Scale]*Trend),
	}
}

// throttledTransport waits on a token bucket before every request
type throttledTransport struct {
	limiter *rate.Limiter
	base    http.RoundTripper
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// Session returns the current session. The zero value means not authenticated.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Authenticated returns true if an access token is held
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.AccessToken != ""
}

// SetRateLimit changes the minimum interval between realtime reads
func (c *Client) SetRateLimit(limit time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.RateLimit = limit
}

func (c *Client) authenticatedSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.AccessToken == "" {
		return Session{}, ErrNotAuthenticated
	}
	return c.session, nil
}

// getJSON issues an authenticated GET against the REST API and decodes the
// body into dest.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	payload, err := c.getBytes(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) getBytes(ctx context.Context, path string, query url.Values) ([]byte, error) {
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}

	endpoint := c.apiURL + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+session.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, timeoutError("request "+path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, timeoutError("read "+path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return payload, nil
}
