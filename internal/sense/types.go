package sense

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is a single frame received from the realtime feed
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// realtimePayload is the payload of a realtime_update frame
type realtimePayload struct {
	W       float64          `json:"w"`
	SolarW  *float64         `json:"solar_w,omitempty"`
	Devices []realtimeDevice `json:"devices"`
	Epoch   int64            `json:"epoch"`
}

type realtimeDevice struct {
	ID   flexID  `json:"id"`
	Name string  `json:"name"`
	W    float64 `json:"w"`
}

// RealtimeSnapshot is one point-in-time reading of aggregate and per-device
// power. Snapshots are replaced wholesale on every fresh read.
type RealtimeSnapshot struct {
	Timestamp   time.Time
	ActiveWatts float64
	SolarWatts  float64
	HasSolar    bool
	DeviceWatts map[string]int
}

func newSnapshot(ts time.Time, p realtimePayload) *RealtimeSnapshot {
	snap := &RealtimeSnapshot{
		Timestamp:   ts,
		ActiveWatts: p.W,
		DeviceWatts: make(map[string]int, len(p.Devices)),
	}
	if p.SolarW != nil {
		snap.SolarWatts = *p.SolarW
		snap.HasSolar = true
	}
	for _, d := range p.Devices {
		snap.DeviceWatts[string(d.ID)] = int(d.W)
	}
	return snap
}

// Watts returns the reading for a remote device and whether it was present
func (s *RealtimeSnapshot) Watts(remoteID string) (int, bool) {
	if s == nil {
		return 0, false
	}
	w, ok := s.DeviceWatts[remoteID]
	return w, ok
}

// Session holds the credentials returned by a successful authentication
type Session struct {
	MonitorID   string
	UserID      string
	AccessToken string
	RateLimit   time.Duration
}

// flexID accepts identifiers encoded either as JSON strings or numbers
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*f = flexID(n.String())
	return nil
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      flexID `json:"user_id"`
	Monitors    []struct {
		ID flexID `json:"id"`
	} `json:"monitors"`
}

// Tag keys used by the discovery endpoint
const (
	TagRevoked       = "Revoked"
	TagUserDeleted   = "UserDeleted"
	TagMergedDevices = "MergedDevices"
)

// Tags is the tag map of a discovered device. Values that are not strings
// on the wire are normalized to their text form.
type Tags map[string]string

func (t *Tags) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tags := make(Tags, len(raw))
	for key, value := range raw {
		tags[key] = tagString(value)
	}
	*t = tags
	return nil
}

func tagString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, tagString(item))
		}
		return strings.Join(parts, ",")
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

// RemoteDevice is an appliance or circuit reported by the discovery endpoint
type RemoteDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tags Tags   `json:"tags,omitempty"`
}

// UnmarshalJSON accepts the device id as a JSON string or number
func (d *RemoteDevice) UnmarshalJSON(data []byte) error {
	type plain RemoteDevice
	var wire struct {
		plain
		ID flexID `json:"id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*d = RemoteDevice(wire.plain)
	d.ID = string(wire.ID)
	return nil
}

// Revoked reports whether the service revoked the device or the user deleted it
func (d RemoteDevice) Revoked() bool {
	return d.Tags[TagRevoked] == "true" || d.Tags[TagUserDeleted] == "true"
}

// MergedDevices returns the ids of devices absorbed into this one
func (d RemoteDevice) MergedDevices() []string {
	merged, ok := d.Tags[TagMergedDevices]
	if !ok || strings.TrimSpace(merged) == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(merged, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
