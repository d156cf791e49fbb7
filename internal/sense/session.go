package sense

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Authenticate posts the credentials to the authentication endpoint and
// stores the resulting session. A non-200 answer is reported as an
// *AuthenticationError and never retried here.
func (c *Client) Authenticate(ctx context.Context, username, password string, rateLimit time.Duration) (Session, error) {
	form := url.Values{}
	form.Set("email", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"authenticate", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, timeoutError("connection failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Session{}, &AuthenticationError{StatusCode: resp.StatusCode}
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return Session{}, fmt.Errorf("decode authentication response: %w", err)
	}
	if auth.AccessToken == "" {
		return Session{}, fmt.Errorf("authentication response has no access token")
	}
	if len(auth.Monitors) == 0 || auth.Monitors[0].ID == "" {
		return Session{}, fmt.Errorf("authentication response has no monitor")
	}

	session := Session{
		MonitorID:   string(auth.Monitors[0].ID),
		UserID:      string(auth.UserID),
		AccessToken: auth.AccessToken,
		RateLimit:   rateLimit,
	}

	c.mu.Lock()
	monitorChanged := c.session.MonitorID != session.MonitorID
	c.session = session
	if monitorChanged {
		c.realtime = nil
		c.lastCall = time.Time{}
		c.trends = make(map[Scale]*Trend)
	}
	c.mu.Unlock()

	c.logger.Info("Authenticated",
		zap.String("monitor_id", session.MonitorID),
		zap.String("user_id", session.UserID),
		zap.Duration("rate_limit", rateLimit))

	return session, nil
}
