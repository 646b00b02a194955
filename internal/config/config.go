package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides (HWMIRROR_*) are applied on load.

// Storage backend names.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

const envPrefix = "HWMIRROR_"

// CalendarConfig describes the mirrored ICS feed.
type CalendarConfig struct {
	// URL is the ICS subscription endpoint. webcal:// is fetched over http://.
	URL string `yaml:"url" json:"url"`

	// Timezone is the IANA timezone used for date keys and timestamps.
	Timezone string `yaml:"timezone" json:"timezone"`

	// FetchTimeout bounds a single HTTP fetch of the feed.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// CacheTTL is how long a fetched calendar is reused in-process before
	// hitting the network again.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// CacheDir holds the ETag/Last-Modified disk cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RecurrenceHorizonDays expands RRULE events this many days ahead of
	// now. Zero keeps only each VEVENT's own DTSTART.
	RecurrenceHorizonDays int `yaml:"recurrence_horizon_days" json:"recurrence_horizon_days"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Region    string `yaml:"region" json:"region"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	PathStyle bool   `yaml:"path_style" json:"path_style"`
}

// StorageConfig selects and configures the snapshot store.
type StorageConfig struct {
	// Backend is one of "local", "s3", "memory".
	Backend string `yaml:"backend" json:"backend"`
	// Root is the logical prefix under which all records live.
	Root string `yaml:"root" json:"root"`
	// LocalDir is the base directory of the local backend.
	LocalDir string   `yaml:"local_dir" json:"local_dir"`
	S3       S3Config `yaml:"s3" json:"s3"`
}

// VideoConfig controls extraction and download of linked videos.
type VideoConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Hosts are substrings that mark a line as carrying a video link.
	Hosts []string `yaml:"hosts" json:"hosts"`

	// Downloader is the external fetch tool (yt-dlp compatible).
	Downloader string `yaml:"downloader" json:"downloader"`

	// DownloaderArgs are passed before the per-URL arguments.
	DownloaderArgs []string `yaml:"downloader_args" json:"downloader_args"`

	// DownloadTimeout bounds one fetch. Zero means no timeout.
	DownloadTimeout time.Duration `yaml:"download_timeout" json:"download_timeout"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FullCompare disables the whole-calendar byte-equality short-circuit,
	// forcing a per-date comparison on every pass.
	FullCompare bool `yaml:"full_compare" json:"full_compare"`

	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Video    VideoConfig    `yaml:"video" json:"video"`

	Metrics struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
	} `yaml:"metrics" json:"metrics"`

	Web struct {
		// CacheMB sizes the in-memory cache for /api/homework responses.
		CacheMB int `yaml:"cache_mb" json:"cache_mb"`
	} `yaml:"web" json:"web"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:      "127.0.0.1:8080",
		LogLevel:    "info",
		RefreshCron: "*/15 * * * *",
		Calendar: CalendarConfig{
			Timezone:     "Asia/Shanghai",
			FetchTimeout: 20 * time.Second,
			CacheTTL:     60 * time.Second,
			CacheDir:     "/var/lib/hwmirror/ics-cache",
		},
		Storage: StorageConfig{
			Backend:  BackendLocal,
			Root:     "homework",
			LocalDir: "/var/lib/hwmirror/store",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Video: VideoConfig{
			Enabled:    true,
			Hosts:      []string{"youtube", "youtu.be"},
			Downloader: "yt-dlp",
		},
	}
	cfg.Metrics.Enabled = true
	cfg.Web.CacheMB = 16
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}

	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = def.Calendar.Timezone
	}
	if c.Calendar.FetchTimeout <= 0 {
		c.Calendar.FetchTimeout = def.Calendar.FetchTimeout
	}
	if c.Calendar.CacheTTL < 0 {
		c.Calendar.CacheTTL = 0
	}
	if c.Calendar.CacheDir == "" {
		c.Calendar.CacheDir = def.Calendar.CacheDir
	}
	if c.Calendar.RecurrenceHorizonDays < 0 {
		c.Calendar.RecurrenceHorizonDays = 0
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	c.Storage.Root = strings.Trim(c.Storage.Root, "/")
	if c.Storage.Root == "" {
		c.Storage.Root = def.Storage.Root
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalDir == "" {
		c.Storage.LocalDir = def.Storage.LocalDir
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = def.Storage.S3.Region
	}

	if len(c.Video.Hosts) == 0 {
		c.Video.Hosts = def.Video.Hosts
	}
	if c.Video.Downloader == "" {
		c.Video.Downloader = def.Video.Downloader
	}

	if c.Web.CacheMB <= 0 {
		c.Web.CacheMB = def.Web.CacheMB
	}
}

// ApplyEnv overrides fields from HWMIRROR_* variables found via lookup
// (normally os.LookupEnv). Secrets are expected to arrive this way.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.LogLevel)
	str("REFRESH", &c.RefreshCron)
	str("CALENDAR_URL", &c.Calendar.URL)
	str("TIMEZONE", &c.Calendar.Timezone)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_ROOT", &c.Storage.Root)
	str("LOCAL_DIR", &c.Storage.LocalDir)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("S3_REGION", &c.Storage.S3.Region)
	str("S3_BUCKET", &c.Storage.S3.Bucket)
	str("S3_PREFIX", &c.Storage.S3.Prefix)
	str("S3_ACCESS_KEY", &c.Storage.S3.AccessKey)
	str("S3_SECRET_KEY", &c.Storage.S3.SecretKey)
	str("DOWNLOADER", &c.Video.Downloader)

	if v, ok := lookup(envPrefix + "VIDEO_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sVIDEO_ENABLED: %w", envPrefix, err)
		}
		c.Video.Enabled = b
	}
	return nil
}

// Validate checks the configuration after defaults and overrides have been
// applied.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.RefreshCron, validation.Required, validation.By(validCron)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "warning", "error")),
	); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := validation.ValidateStruct(&c.Calendar,
		validation.Field(&c.Calendar.URL, validation.Required),
		validation.Field(&c.Calendar.Timezone, validation.Required, validation.By(validTimezone)),
	); err != nil {
		return fmt.Errorf("config: calendar: %w", err)
	}
	if err := validation.ValidateStruct(&c.Storage,
		validation.Field(&c.Storage.Backend, validation.Required, validation.In(BackendLocal, BackendS3, BackendMemory)),
		validation.Field(&c.Storage.LocalDir, validation.When(c.Storage.Backend == BackendLocal, validation.Required)),
	); err != nil {
		return fmt.Errorf("config: storage: %w", err)
	}
	if c.Storage.Backend == BackendS3 {
		if err := validation.ValidateStruct(&c.Storage.S3,
			validation.Field(&c.Storage.S3.Bucket, validation.Required),
			validation.Field(&c.Storage.S3.Region, validation.Required),
		); err != nil {
			return fmt.Errorf("config: storage.s3: %w", err)
		}
	}
	if err := validation.ValidateStruct(&c.Video,
		validation.Field(&c.Video.Downloader, validation.When(c.Video.Enabled, validation.Required)),
		validation.Field(&c.Video.Hosts, validation.When(c.Video.Enabled, validation.Required)),
	); err != nil {
		return fmt.Errorf("config: video: %w", err)
	}
	return nil
}

// Location resolves Calendar.Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil || c.Calendar.Timezone == "" {
		return time.Local
	}
	return loc
}

func validCron(value interface{}) error {
	s, _ := value.(string)
	if _, err := cron.ParseStandard(s); err != nil {
		return errors.New("must be a valid cron expression")
	}
	return nil
}

func validTimezone(value interface{}) error {
	s, _ := value.(string)
	if _, err := time.LoadLocation(s); err != nil {
		return errors.New("must be a valid IANA timezone")
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - In both cases HWMIRROR_* environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return nil, err
			}
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".hwmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
