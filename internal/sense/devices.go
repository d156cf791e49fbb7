package sense

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// DiscoveredDevices returns the device list reported by the discovery endpoint
func (c *Client) DiscoveredDevices(ctx context.Context) ([]RemoteDevice, error) {
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}

	var devices []RemoteDevice
	path := fmt.Sprintf("monitors/%s/devices", url.PathEscape(session.MonitorID))
	if err := c.getJSON(ctx, path, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// MonitorStatus returns the monitor and device detection status
func (c *Client) MonitorStatus(ctx context.Context) (json.RawMessage, error) {
	return c.monitorCall(ctx, "status")
}

// AlwaysOn returns the always-on consumption summary
func (c *Client) AlwaysOn(ctx context.Context) (json.RawMessage, error) {
	return c.monitorCall(ctx, "devices/always_on")
}

// DeviceInfo returns the service's detail record for one device
func (c *Client) DeviceInfo(ctx context.Context, deviceID string) (json.RawMessage, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrValidation)
	}
	return c.monitorCall(ctx, "devices/"+url.PathEscape(deviceID))
}

// DeviceNames returns the names of the devices listed by the app endpoint,
// which carries more detail per device than discovery
func (c *Client) DeviceNames(ctx context.Context) ([]string, error) {
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Name string `json:"name"`
	}
	path := fmt.Sprintf("app/monitors/%s/devices", url.PathEscape(session.MonitorID))
	if err := c.getJSON(ctx, path, nil, &entries); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// NotificationPreferences returns the account's notification settings for
// the current monitor
func (c *Client) NotificationPreferences(ctx context.Context) (json.RawMessage, error) {
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}
	query := url.Values{"monitor_id": {session.MonitorID}}
	return c.userCall(ctx, session, "notifications", query)
}

// Timeline returns the most recent timeline entries for the account
func (c *Client) Timeline(ctx context.Context, items int) (json.RawMessage, error) {
	if items <= 0 {
		return nil, fmt.Errorf("%w: timeline item count must be positive", ErrValidation)
	}
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}
	query := url.Values{"n_items": {strconv.Itoa(items)}}
	return c.userCall(ctx, session, "timeline", query)
}

func (c *Client) userCall(ctx context.Context, session Session, suffix string, query url.Values) (json.RawMessage, error) {
	if session.UserID == "" {
		return nil, fmt.Errorf("%w: session has no user id", ErrValidation)
	}
	path := fmt.Sprintf("users/%s/%s", url.PathEscape(session.UserID), suffix)
	return c.rawCall(ctx, path, query)
}

func (c *Client) monitorCall(ctx context.Context, suffix string) (json.RawMessage, error) {
	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("app/monitors/%s/%s", url.PathEscape(session.MonitorID), suffix)
	return c.rawCall(ctx, path, nil)
}

func (c *Client) rawCall(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	payload, err := c.getBytes(ctx, path, query)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("decode %s: invalid json", path)
	}
	return json.RawMessage(payload), nil
}
