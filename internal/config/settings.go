package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// ErrInvalid is returned for settings that fail validation
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultRateLimitSeconds  = 30
	DefaultGraceDelaySeconds = 10
	DefaultAPIPort           = 8080
	DefaultAuditLogName      = "activeLog.csv"
	DefaultMQTTTopicPrefix   = "sense"
)

// SenseSettings overrides the remote service endpoints and timeouts
type SenseSettings struct {
	APIURL             string `yaml:"api_url" json:"api_url,omitempty"`
	RealtimeURL        string `yaml:"realtime_url" json:"realtime_url,omitempty"`
	APITimeoutSeconds  int    `yaml:"api_timeout" json:"api_timeout,omitempty"`
	WireTimeoutSeconds int    `yaml:"wire_timeout" json:"wire_timeout,omitempty"`
}

// MQTTSettings configures the optional power publisher. An empty broker disables it.
type MQTTSettings struct {
	Broker      string `yaml:"broker" json:"broker,omitempty"`
	ClientID    string `yaml:"client_id" json:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix,omitempty"`
	Username    string `yaml:"username" json:"username,omitempty"`
	Password    string `yaml:"password" json:"-"`
}

// Settings is one immutable configuration snapshot. Values are replaced
// wholesale through a Store, never mutated in place.
type Settings struct {
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password" json:"-"`
	RateLimitSeconds  int           `yaml:"rate_limit" json:"rate_limit"`
	SolarEnabled      bool          `yaml:"solar_enabled" json:"solar_enabled"`
	FolderID          int64         `yaml:"folder_id" json:"folder_id"`
	GraceDelaySeconds int           `yaml:"grace_delay" json:"grace_delay"`
	AuditLogPath      string        `yaml:"audit_log" json:"audit_log"`
	APIPort           int           `yaml:"api_port" json:"api_port"`
	Debug             bool          `yaml:"debug" json:"debug"`
	Sense             SenseSettings `yaml:"sense" json:"sense"`
	MQTT              MQTTSettings  `yaml:"mqtt" json:"mqtt"`
}

// Defaults returns the settings used before any file or environment value applies
func Defaults() Settings {
	return Settings{
		RateLimitSeconds:  DefaultRateLimitSeconds,
		GraceDelaySeconds: DefaultGraceDelaySeconds,
		AuditLogPath:      DefaultAuditLogName,
		APIPort:           DefaultAPIPort,
		MQTT: MQTTSettings{
			ClientID:    "sensesync",
			TopicPrefix: DefaultMQTTTopicPrefix,
		},
	}
}

// Validate checks the settings and returns every problem found
func (s Settings) Validate() error {
	var errs error
	if strings.TrimSpace(s.Username) == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: username is required", ErrInvalid))
	}
	if s.Password == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: password is required", ErrInvalid))
	}
	if s.RateLimitSeconds < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: rate_limit must be at least 1 second, got %d", ErrInvalid, s.RateLimitSeconds))
	}
	if s.GraceDelaySeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: grace_delay must not be negative", ErrInvalid))
	}
	if s.FolderID < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: folder_id must not be negative", ErrInvalid))
	}
	if s.APIPort < 0 || s.APIPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("%w: api_port %d out of range", ErrInvalid, s.APIPort))
	}
	return errs
}

// RateLimit returns the poll interval
func (s Settings) RateLimit() time.Duration {
	return time.Duration(s.RateLimitSeconds) * time.Second
}

// GraceDelay returns the startup delay before the first cycle
func (s Settings) GraceDelay() time.Duration {
	return time.Duration(s.GraceDelaySeconds) * time.Second
}

// SameCredentials reports whether a re-authentication is needed to move from s to other
func (s Settings) SameCredentials(other Settings) bool {
	return s.Username == other.Username && s.Password == other.Password
}
