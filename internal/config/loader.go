package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the settings file looked up in the config directory
	FileName = "sense_config.yaml"

	envFileName = ".env"
)

// Loader reads settings from the config directory and the environment and
// publishes them into a Store
type Loader struct {
	configDir string
	logger    *zap.Logger
	store     *Store
	lookupEnv func(string) (string, bool)
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
		lookupEnv: os.LookupEnv,
		stopChan:  make(chan struct{}),
	}
}

// Load reads defaults, then sense_config.yaml, then .env in the config
// directory, then the process environment. Later sources win.
func (l *Loader) Load() (Settings, error) {
	settings := Defaults()

	path := filepath.Join(l.configDir, FileName)
	l.logger.Debug("Loading settings", zap.String("path", path))

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Debug("No settings file, using environment only", zap.String("path", path))
	case err != nil:
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
		}
	}

	fileEnv, err := godotenv.Read(filepath.Join(l.configDir, envFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to read %s: %w", envFileName, err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := l.lookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := applyEnv(&settings, lookup); err != nil {
		return Settings{}, err
	}

	if settings.AuditLogPath != "" && !filepath.IsAbs(settings.AuditLogPath) {
		settings.AuditLogPath = filepath.Join(l.configDir, settings.AuditLogPath)
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// LoadStore loads the settings and creates the store holding them
func (l *Loader) LoadStore() (*Store, error) {
	settings, err := l.Load()
	if err != nil {
		return nil, err
	}
	l.store = NewStore(settings)
	l.logger.Info("Settings loaded",
		zap.String("username", settings.Username),
		zap.Int("rate_limit", settings.RateLimitSeconds),
		zap.Bool("solar_enabled", settings.SolarEnabled),
		zap.Int64("folder_id", settings.FolderID))
	return l.store, nil
}

// Reload re-reads the settings and publishes them if they changed. The
// store is left untouched when loading fails.
func (l *Loader) Reload() (bool, error) {
	if l.store == nil {
		return false, fmt.Errorf("settings not loaded")
	}
	settings, err := l.Load()
	if err != nil {
		return false, err
	}

	current, version := l.store.Load()
	if current == settings {
		return false, nil
	}
	ok, err := l.store.CompareAndSwap(version, settings)
	if err != nil || !ok {
		return false, err
	}

	l.logger.Info("Settings changed",
		zap.Uint64("version", version+1),
		zap.Bool("credentials_changed", !current.SameCredentials(settings)),
		zap.Int("rate_limit", settings.RateLimitSeconds))
	return true, nil
}

// StartAutoReload re-reads the settings every interval until Stop is called
func (l *Loader) StartAutoReload(interval time.Duration) {
	l.logger.Info("Starting settings auto-reload", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := l.Reload(); err != nil {
					l.logger.Error("Failed to reload settings", zap.Error(err))
				}
			case <-l.stopChan:
				l.logger.Info("Stopping settings auto-reload")
				return
			}
		}
	}()
}

// Stop stops the auto-reload goroutine
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func applyEnv(s *Settings, lookup func(string) (string, bool)) error {
	str := func(key string, dest *string) {
		if v, ok := lookup(key); ok {
			*dest = v
		}
	}
	integer := func(key string, dest *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dest = n
		return nil
	}
	boolean := func(key string, dest *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dest = b
		return nil
	}

	str("SENSE_USERNAME", &s.Username)
	str("SENSE_PASSWORD", &s.Password)
	str("SENSE_AUDIT_LOG", &s.AuditLogPath)
	str("SENSE_API_URL", &s.Sense.APIURL)
	str("SENSE_REALTIME_URL", &s.Sense.RealtimeURL)
	str("MQTT_BROKER", &s.MQTT.Broker)
	str("MQTT_USERNAME", &s.MQTT.Username)
	str("MQTT_PASSWORD", &s.MQTT.Password)
	str("MQTT_TOPIC_PREFIX", &s.MQTT.TopicPrefix)

	if err := integer("SENSE_RATE_LIMIT", &s.RateLimitSeconds); err != nil {
		return err
	}
	if err := integer("SENSE_GRACE_DELAY", &s.GraceDelaySeconds); err != nil {
		return err
	}
	if err := integer("API_PORT", &s.APIPort); err != nil {
		return err
	}
	if err := boolean("SENSE_SOLAR_ENABLED", &s.SolarEnabled); err != nil {
		return err
	}
	if err := boolean("DEBUG", &s.Debug); err != nil {
		return err
	}

	if v, ok := lookup("SENSE_FOLDER_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: SENSE_FOLDER_ID: %v", ErrInvalid, err)
		}
		s.FolderID = id
	}
	return nil
}
