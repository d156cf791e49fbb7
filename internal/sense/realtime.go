package sense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const realtimeUpdate = "realtime_update"

// PollRealtime returns a realtime snapshot. If the previous read happened
// less than the rate limit ago, the cached snapshot is returned without a
// network call. Otherwise one connect/read/close cycle is performed against
// the realtime feed.
func (c *Client) PollRealtime(ctx context.Context) (*RealtimeSnapshot, error) {
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached := c.realtime
	lastCall := c.lastCall
	c.mu.Unlock()

	if cached != nil && session.RateLimit > 0 && c.clock.Now().Before(lastCall.Add(session.RateLimit)) {
		c.logger.Debug("Returning cached realtime snapshot",
			zap.Time("last_call", lastCall),
			zap.Duration("rate_limit", session.RateLimit))
		return cached, nil
	}

	payload, err := c.readRealtime(ctx, session)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	snap := newSnapshot(now, payload)

	c.mu.Lock()
	c.realtime = snap
	c.lastCall = now
	c.mu.Unlock()

	c.logger.Debug("Realtime snapshot received",
		zap.Float64("active_w", snap.ActiveWatts),
		zap.Int("devices", len(snap.DeviceWatts)))

	return snap, nil
}

// Realtime returns the last snapshot read from the feed, or nil
func (c *Client) Realtime() *RealtimeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realtime
}

// LastCall returns the time of the last successful realtime read
func (c *Client) LastCall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCall
}

func (c *Client) feedURL(session Session) string {
	return fmt.Sprintf("%s/monitors/%s/realtimefeed?access_token=%s",
		c.realtimeURL, url.PathEscape(session.MonitorID), url.QueryEscape(session.AccessToken))
}

// readRealtime dials the feed, skips frames until the first realtime_update
// and closes the connection. The whole exchange is bounded by the wire timeout.
func (c *Client) readRealtime(ctx context.Context, session Session) (realtimePayload, error) {
	deadline := time.Now().Add(c.wireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.feedURL(session), nil)
	if err != nil {
		if resp != nil {
			return realtimePayload{}, fmt.Errorf("failed to connect to realtime feed: status %d: %w", resp.StatusCode, err)
		}
		return realtimePayload{}, timeoutError("failed to connect to realtime feed", err)
	}
	defer conn.Close()

	// Unblock a pending read when the caller goes away
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetReadDeadline(deadline); err != nil {
		return realtimePayload{}, fmt.Errorf("failed to set read deadline: %w", err)
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return realtimePayload{}, ctx.Err()
			}
			return realtimePayload{}, timeoutError("realtime feed read", err)
		}

		if msg.Type != realtimeUpdate {
			c.logger.Debug("Skipping realtime frame", zap.String("type", msg.Type))
			continue
		}

		var payload realtimePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return realtimePayload{}, fmt.Errorf("failed to unmarshal realtime payload: %w", err)
		}
		return payload, nil
	}
}
