// Package config provides configuration management for relink.
// Settings are layered: built-in defaults, then an optional YAML file,
// then environment variables with the RELINK_ prefix. A .env file in the
// working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for relink.
type Config struct {
	Zotero    ZoteroConfig    `yaml:"zotero"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Journal   JournalConfig   `yaml:"journal"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// ZoteroConfig contains record store API settings.
type ZoteroConfig struct {
	BaseURL     string        `yaml:"base_url"`     // API root (default: https://api.zotero.org)
	APIKey      string        `yaml:"api_key"`      // API key (required for API commands)
	LibraryType string        `yaml:"library_type"` // users or groups (default: users)
	LibraryID   string        `yaml:"library_id"`   // numeric user or group id (required for API commands)
	MinInterval time.Duration `yaml:"min_interval"` // minimum spacing between calls (default: 1s)
	MaxAttempts int           `yaml:"max_attempts"` // attempts per call (default: 5)
	BaseDelay   time.Duration `yaml:"base_delay"`   // first backoff step (default: 1s)
	MaxDelay    time.Duration `yaml:"max_delay"`    // backoff cap (default: 60s)
	Timeout     time.Duration `yaml:"timeout"`      // per-request timeout (default: 30s)
	PageSize    int           `yaml:"page_size"`    // list page size (default: 100)
	ContentType string        `yaml:"content_type"` // content type of created attachments (default: application/pdf)
}

// OracleConfig contains document store lookup settings.
type OracleConfig struct {
	Application string        `yaml:"application"` // scripted application name (default: DEVONthink 3)
	Osascript   string        `yaml:"osascript"`   // script runner binary (default: osascript)
	Scheme      string        `yaml:"scheme"`      // locator scheme (default: x-devonthink-item)
	TermDelay   time.Duration `yaml:"term_delay"`  // pause between term queries (default: 0)
	CacheSize   int           `yaml:"cache_size"`  // cached term results (default: 1024)
	CacheTTL    time.Duration `yaml:"cache_ttl"`   // how long a cached match is trusted (default: 10m)
	Timeout     time.Duration `yaml:"timeout"`     // per-script timeout (default: 30s)
}

// LedgerConfig contains pairing ledger settings.
type LedgerConfig struct {
	Path      string        `yaml:"path"`       // canonical ledger file (default: ~/.relink/pairings.json)
	BackupDir string        `yaml:"backup_dir"` // backup directory (default: ~/.relink/backups)
	Keep      int           `yaml:"keep"`       // backups retained (default: 5)
	LockWait  time.Duration `yaml:"lock_wait"`  // wait for another writer (default: 2m)
}

// JournalConfig contains event journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"` // record events in SQLite (default: true)
	Path    string `yaml:"path"`    // database file (default: ~/.relink/relink.db)
}

// EngineConfig contains reconciliation settings.
type EngineConfig struct {
	LookupWorkers int           `yaml:"lookup_workers"`  // concurrent oracle lookups (default: 4)
	BatchSize     int           `yaml:"batch_size"`      // candidates per cycle (default: 5)
	ConfirmMinAge time.Duration `yaml:"confirm_min_age"` // grace period before confirm (default: 0)
}

// SchedulerConfig contains cycle driver settings.
type SchedulerConfig struct {
	InitialDelay           time.Duration `yaml:"initial_delay"`            // first delay (default: 60s)
	MinDelay               time.Duration `yaml:"min_delay"`                // floor (default: 10s)
	MaxDelay               time.Duration `yaml:"max_delay"`                // cap (default: 30m)
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"` // stop after this many failed cycles (default: 5)
	SkipConfirm            bool          `yaml:"skip_confirm"`             // only create, never confirm (default: false)
	RequestDir             string        `yaml:"request_dir"`              // wake and reload requests (default: ~/.relink/requests)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // text, json, logfmt (default: text)
}

// DefaultConfig returns the built-in defaults. Paths live under the relink
// home directory (RELINK_HOME, else ~/.relink).
func DefaultConfig() *Config {
	home := homeDir()
	return &Config{
		Zotero: ZoteroConfig{
			BaseURL:     "https://api.zotero.org",
			LibraryType: "users",
			MinInterval: time.Second,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
			Timeout:     30 * time.Second,
			PageSize:    100,
			ContentType: "application/pdf",
		},
		Oracle: OracleConfig{
			Application: "DEVONthink 3",
			Osascript:   "osascript",
			Scheme:      "x-devonthink-item",
			CacheSize:   1024,
			CacheTTL:    10 * time.Minute,
			Timeout:     30 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:      filepath.Join(home, "pairings.json"),
			BackupDir: filepath.Join(home, "backups"),
			Keep:      5,
			LockWait:  2 * time.Minute,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(home, "relink.db"),
		},
		Engine: EngineConfig{
			LookupWorkers: 4,
			BatchSize:     5,
		},
		Scheduler: SchedulerConfig{
			InitialDelay:           60 * time.Second,
			MinDelay:               10 * time.Second,
			MaxDelay:               30 * time.Minute,
			MaxConsecutiveFailures: 5,
			RequestDir:             filepath.Join(home, "requests"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig builds the configuration. If path is empty, ~/.relink/config.yaml
// is used when it exists; an explicit path that cannot be read is an error.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(homeDir(), "config.yaml")
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays RELINK_* environment variables. The unprefixed
// ZOTERO_API_KEY and ZOTERO_USER_ID are honored as fallbacks.
func (c *Config) applyEnv() {
	z := &c.Zotero
	z.BaseURL = getEnv("RELINK_ZOTERO_BASE_URL", z.BaseURL)
	z.APIKey = getEnv("RELINK_ZOTERO_API_KEY", getEnv("ZOTERO_API_KEY", z.APIKey))
	z.LibraryType = getEnv("RELINK_ZOTERO_LIBRARY_TYPE", z.LibraryType)
	z.LibraryID = getEnv("RELINK_ZOTERO_LIBRARY_ID", getEnv("ZOTERO_USER_ID", z.LibraryID))
	z.MinInterval = getEnvDuration("RELINK_ZOTERO_MIN_INTERVAL", z.MinInterval)
	z.MaxAttempts = getEnvInt("RELINK_ZOTERO_MAX_ATTEMPTS", z.MaxAttempts)
	z.BaseDelay = getEnvDuration("RELINK_ZOTERO_BASE_DELAY", z.BaseDelay)
	z.MaxDelay = getEnvDuration("RELINK_ZOTERO_MAX_DELAY", z.MaxDelay)
	z.Timeout = getEnvDuration("RELINK_ZOTERO_TIMEOUT", z.Timeout)
	z.PageSize = getEnvInt("RELINK_ZOTERO_PAGE_SIZE", z.PageSize)
	z.ContentType = getEnv("RELINK_ZOTERO_CONTENT_TYPE", z.ContentType)

	o := &c.Oracle
	o.Application = getEnv("RELINK_ORACLE_APPLICATION", o.Application)
	o.Osascript = getEnv("RELINK_ORACLE_OSASCRIPT", o.Osascript)
	o.Scheme = getEnv("RELINK_ORACLE_SCHEME", o.Scheme)
	o.TermDelay = getEnvDuration("RELINK_ORACLE_TERM_DELAY", o.TermDelay)
	o.CacheSize = getEnvInt("RELINK_ORACLE_CACHE_SIZE", o.CacheSize)
	o.CacheTTL = getEnvDuration("RELINK_ORACLE_CACHE_TTL", o.CacheTTL)
	o.Timeout = getEnvDuration("RELINK_ORACLE_TIMEOUT", o.Timeout)

	c.Ledger.Path = getEnv("RELINK_LEDGER_PATH", c.Ledger.Path)
	c.Ledger.BackupDir = getEnv("RELINK_LEDGER_BACKUP_DIR", c.Ledger.BackupDir)
	c.Ledger.Keep = getEnvInt("RELINK_LEDGER_KEEP", c.Ledger.Keep)
	c.Ledger.LockWait = getEnvDuration("RELINK_LEDGER_LOCK_WAIT", c.Ledger.LockWait)

	c.Journal.Enabled = getEnvBool("RELINK_JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.Path = getEnv("RELINK_JOURNAL_PATH", c.Journal.Path)

	c.Engine.LookupWorkers = getEnvInt("RELINK_LOOKUP_WORKERS", c.Engine.LookupWorkers)
	c.Engine.BatchSize = getEnvInt("RELINK_BATCH_SIZE", c.Engine.BatchSize)
	c.Engine.ConfirmMinAge = getEnvDuration("RELINK_CONFIRM_MIN_AGE", c.Engine.ConfirmMinAge)

	s := &c.Scheduler
	s.InitialDelay = getEnvDuration("RELINK_SCHEDULER_INITIAL_DELAY", s.InitialDelay)
	s.MinDelay = getEnvDuration("RELINK_SCHEDULER_MIN_DELAY", s.MinDelay)
	s.MaxDelay = getEnvDuration("RELINK_SCHEDULER_MAX_DELAY", s.MaxDelay)
	s.MaxConsecutiveFailures = getEnvInt("RELINK_SCHEDULER_MAX_FAILURES", s.MaxConsecutiveFailures)
	s.SkipConfirm = getEnvBool("RELINK_SCHEDULER_SKIP_CONFIRM", s.SkipConfirm)
	s.RequestDir = getEnv("RELINK_SCHEDULER_REQUEST_DIR", s.RequestDir)

	c.Log.Level = getEnv("RELINK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("RELINK_LOG_FORMAT", c.Log.Format)
}

// Validate checks value ranges. It does not require credentials; commands
// that talk to the record store call RequireZotero.
func (c *Config) Validate() error {
	var errs []error

	if c.Zotero.LibraryType != "users" && c.Zotero.LibraryType != "groups" {
		errs = append(errs, fmt.Errorf("zotero.library_type must be users or groups, got %q", c.Zotero.LibraryType))
	}
	if c.Zotero.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("zotero.max_attempts must be at least 1"))
	}
	if c.Zotero.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("zotero.min_interval must not be negative"))
	}
	if c.Zotero.PageSize < 1 || c.Zotero.PageSize > 100 {
		errs = append(errs, fmt.Errorf("zotero.page_size must be between 1 and 100"))
	}
	if c.Oracle.Scheme == "" {
		errs = append(errs, fmt.Errorf("oracle.scheme is required"))
	}
	if c.Ledger.Path == "" {
		errs = append(errs, fmt.Errorf("ledger.path is required"))
	}
	if c.Ledger.Keep < 1 {
		errs = append(errs, fmt.Errorf("ledger.keep must be at least 1"))
	}
	if c.Engine.LookupWorkers < 1 {
		errs = append(errs, fmt.Errorf("engine.lookup_workers must be at least 1"))
	}
	if c.Engine.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("engine.batch_size must be at least 1"))
	}
	if c.Scheduler.MinDelay <= 0 || c.Scheduler.MaxDelay < c.Scheduler.MinDelay {
		errs = append(errs, fmt.Errorf("scheduler delays must satisfy 0 < min_delay <= max_delay"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text, json or logfmt, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RequireZotero reports missing record store credentials.
func (c *Config) RequireZotero() error {
	if c.Zotero.APIKey == "" {
		return errors.New("config: zotero api key is not set (RELINK_ZOTERO_API_KEY)")
	}
	if c.Zotero.LibraryID == "" {
		return errors.New("config: zotero library id is not set (RELINK_ZOTERO_LIBRARY_ID)")
	}
	return nil
}

// homeDir returns the relink home directory.
func homeDir() string {
	if dir := os.Getenv("RELINK_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".relink")
	}
	return ".relink"
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("90s", "5m").
// A bare number is read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
