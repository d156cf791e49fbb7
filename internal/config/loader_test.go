package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func setupTestConfigDir(t *testing.T, settingsYAML string) string {
	tmpDir := t.TempDir()
	if settingsYAML != "" {
		err := os.WriteFile(filepath.Join(tmpDir, FileName), []byte(settingsYAML), 0644)
		require.NoError(t, err)
	}
	return tmpDir
}

func newTestLoader(t *testing.T, dir string, env map[string]string) *Loader {
	logger, _ := zap.NewDevelopment()
	l := NewLoader(dir, logger)
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

const sampleSettings = `username: "me@example.com"
password: "secret"
rate_limit: 60
solar_enabled: true
folder_id: 12
audit_log: "logs/active.csv"
mqtt:
  broker: "tcp://localhost:1883"
`

func TestLoader_Load(t *testing.T) {
	t.Run("file values over defaults", func(t *testing.T) {
		dir := setupTestConfigDir(t, sampleSettings)
		l := newTestLoader(t, dir, nil)

		s, err := l.Load()
		require.NoError(t, err)

		assert.Equal(t, "me@example.com", s.Username)
		assert.Equal(t, "secret", s.Password)
		assert.Equal(t, 60, s.RateLimitSeconds)
		assert.Equal(t, time.Minute, s.RateLimit())
		assert.True(t, s.SolarEnabled)
		assert.Equal(t, int64(12), s.FolderID)
		assert.Equal(t, DefaultGraceDelaySeconds, s.GraceDelaySeconds)
		assert.Equal(t, DefaultAPIPort, s.APIPort)
		assert.Equal(t, filepath.Join(dir, "logs/active.csv"), s.AuditLogPath)
		assert.Equal(t, "tcp://localhost:1883", s.MQTT.Broker)
		assert.Equal(t, DefaultMQTTTopicPrefix, s.MQTT.TopicPrefix)
	})

	t.Run("environment over file", func(t *testing.T) {
		dir := setupTestConfigDir(t, sampleSettings)
		l := newTestLoader(t, dir, map[string]string{
			"SENSE_PASSWORD":      "from-env",
			"SENSE_RATE_LIMIT":    "15",
			"SENSE_SOLAR_ENABLED": "false",
			"SENSE_FOLDER_ID":     "99",
		})

		s, err := l.Load()
		require.NoError(t, err)
		assert.Equal(t, "me@example.com", s.Username)
		assert.Equal(t, "from-env", s.Password)
		assert.Equal(t, 15, s.RateLimitSeconds)
		assert.False(t, s.SolarEnabled)
		assert.Equal(t, int64(99), s.FolderID)
	})

	t.Run("dotenv file in config dir", func(t *testing.T) {
		dir := setupTestConfigDir(t, "")
		err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SENSE_USERNAME=dot@example.com\nSENSE_PASSWORD=dotpass\nSENSE_RATE_LIMIT=45\n"), 0644)
		require.NoError(t, err)

		l := newTestLoader(t, dir, map[string]string{"SENSE_RATE_LIMIT": "20"})
		s, err := l.Load()
		require.NoError(t, err)
		assert.Equal(t, "dot@example.com", s.Username)
		assert.Equal(t, "dotpass", s.Password)
		assert.Equal(t, 20, s.RateLimitSeconds, "process environment wins over .env")
		assert.Equal(t, DefaultRateLimitSeconds, Defaults().RateLimitSeconds)
	})

	t.Run("missing credentials", func(t *testing.T) {
		dir := setupTestConfigDir(t, "rate_limit: 0\n")
		l := newTestLoader(t, dir, nil)

		_, err := l.Load()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Len(t, multierr.Errors(err), 3)
	})

	t.Run("bad environment value", func(t *testing.T) {
		dir := setupTestConfigDir(t, sampleSettings)
		l := newTestLoader(t, dir, map[string]string{"SENSE_RATE_LIMIT": "often"})

		_, err := l.Load()
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		dir := setupTestConfigDir(t, "username: [unterminated\n")
		l := newTestLoader(t, dir, nil)

		_, err := l.Load()
		assert.Error(t, err)
	})
}

func TestLoader_Reload(t *testing.T) {
	dir := setupTestConfigDir(t, sampleSettings)
	l := newTestLoader(t, dir, nil)

	_, err := l.Reload()
	assert.Error(t, err, "reload before load")

	store, err := l.LoadStore()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), store.Version())

	changed, err := l.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), store.Version())

	updated := `username: "me@example.com"
password: "secret"
rate_limit: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(updated), 0644))

	changed, err = l.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(2), store.Version())
	assert.Equal(t, 5, store.Settings().RateLimitSeconds)
	assert.False(t, store.Settings().SolarEnabled)

	// A broken file leaves the published settings alone
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("rate_limit: -1\nusername: x\npassword: y\n"), 0644))
	_, err = l.Reload()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 5, store.Settings().RateLimitSeconds)
}

func TestLoader_ReloadUnknownFolder(t *testing.T) {
	dir := setupTestConfigDir(t, sampleSettings)
	l := newTestLoader(t, dir, nil)
	store, err := l.LoadStore()
	require.NoError(t, err)

	errNoFolder := errors.New("folder does not exist")
	store.SetValidator(func(s Settings) error {
		if s.FolderID != 12 {
			return fmt.Errorf("%w: %d", errNoFolder, s.FolderID)
		}
		return nil
	})

	moved := `username: "me@example.com"
password: "secret"
rate_limit: 60
solar_enabled: true
folder_id: 424242
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(moved), 0644))

	changed, err := l.Reload()
	assert.ErrorIs(t, err, errNoFolder)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), store.Version())
	assert.Equal(t, int64(12), store.Settings().FolderID)
}

func TestLoader_StartAutoReload(t *testing.T) {
	dir := setupTestConfigDir(t, sampleSettings)
	l := newTestLoader(t, dir, nil)
	store, err := l.LoadStore()
	require.NoError(t, err)

	l.StartAutoReload(20 * time.Millisecond)
	defer l.Stop()

	updated := "username: \"me@example.com\"\npassword: \"secret\"\nrate_limit: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		return store.Settings().RateLimitSeconds == 7
	}, 2*time.Second, 10*time.Millisecond)

	l.Stop()
	l.Stop()
}
