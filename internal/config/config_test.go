package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Calendar.URL = "webcal://example.com/cal.ics"
	return cfg
}

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().RefreshCron, cfg.RefreshCron)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
calendar:
  url: http://example.com/cal.ics
  fetch_timeout: 5s
storage:
  backend: S3
  s3:
    bucket: homework
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/cal.ics", cfg.Calendar.URL)
	assert.Equal(t, 5*time.Second, cfg.Calendar.FetchTimeout)
	assert.Equal(t, "Asia/Shanghai", cfg.Calendar.Timezone)
	assert.Equal(t, BackendS3, cfg.Storage.Backend)
	assert.Equal(t, "homework", cfg.Storage.Root)
	assert.Equal(t, []string{"youtube", "youtu.be"}, cfg.Video.Hosts)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calendar: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	cfg.Calendar.RecurrenceHorizonDays = 14
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Calendar, loaded.Calendar)
	assert.Equal(t, cfg.Storage, loaded.Storage)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HWMIRROR_CALENDAR_URL":    "http://env.example.com/cal.ics",
		"HWMIRROR_S3_SECRET_KEY":   "shh",
		"HWMIRROR_VIDEO_ENABLED":   "false",
		"HWMIRROR_STORAGE_BACKEND": "memory",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "http://env.example.com/cal.ics", cfg.Calendar.URL)
	assert.Equal(t, "shh", cfg.Storage.S3.SecretKey)
	assert.False(t, cfg.Video.Enabled)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestApplyEnv_BadBool(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "HWMIRROR_VIDEO_ENABLED" {
			return "maybe", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing url", func(c *Config) { c.Calendar.URL = "" }, true},
		{"bad timezone", func(c *Config) { c.Calendar.Timezone = "Mars/Olympus" }, true},
		{"bad cron", func(c *Config) { c.RefreshCron = "every minute" }, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "baidu" }, true},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = BackendS3 }, true},
		{"s3 with bucket", func(c *Config) {
			c.Storage.Backend = BackendS3
			c.Storage.S3.Bucket = "b"
		}, false},
		{"video enabled without downloader", func(c *Config) { c.Video.Downloader = "" }, true},
		{"video disabled without downloader", func(c *Config) {
			c.Video.Enabled = false
			c.Video.Downloader = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "Asia/Shanghai", cfg.Location().String())

	cfg.Calendar.Timezone = "nope/nope"
	assert.Equal(t, time.Local, cfg.Location())
}
