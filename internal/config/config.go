package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = "127.0.0.1:8080"
	defaultRefreshCron   = "*/15 * * * *"
	defaultCacheDir      = "./var/ics-cache"
	defaultHorizonDays   = 365
	defaultSmoobuBaseURL = "https://login.smoobu.com/api"
	defaultSmoobuTimeout = 10 * time.Second
	defaultCurrency      = "EUR"
	defaultPrice         = 150
	defaultSentinelPrice = 200

	// EnvSmoobuAPIKey overrides smoobu.api_key so the key can stay out of
	// the config file.
	EnvSmoobuAPIKey = "SMOOBU_API_KEY"
)

// ApartmentConfig describes one rentable apartment.
type ApartmentConfig struct {
	// ID is the identifier used by the website (e.g. "1").
	ID string `yaml:"id" json:"id"`
	// Name is matched case-insensitively against Smoobu apartment names.
	Name string `yaml:"name" json:"name"`
	// SmoobuID is the apartment id in the property management system.
	SmoobuID string `yaml:"smoobu_id" json:"smoobu_id"`
	// FallbackPrice is the nightly price shown when live pricing fails.
	FallbackPrice float64 `yaml:"fallback_price" json:"fallback_price"`
	// FeedURL is the iCalendar export of the apartment's bookings.
	FeedURL string `yaml:"feed_url" json:"feed_url"`
}

// SmoobuConfig holds the pricing API endpoint and credentials.
type SmoobuConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// PricingConfig holds the static price defaults.
type PricingConfig struct {
	Currency string `yaml:"currency" json:"currency"`
	// DefaultPrice is used for apartment ids that are not configured.
	DefaultPrice float64 `yaml:"default_price" json:"default_price"`
	// SentinelPrice is used when Smoobu answers but carries no usable price.
	SentinelPrice float64 `yaml:"sentinel_price" json:"sentinel_price"`
}

// BasicAuthConfig protects the admin endpoints.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is the cron schedule for re-fetching every calendar feed.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheDir stores the last good body of each calendar feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// HorizonDays bounds recurring block expansion.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	Smoobu     SmoobuConfig      `yaml:"smoobu" json:"smoobu"`
	Pricing    PricingConfig     `yaml:"pricing" json:"pricing"`
	Apartments []ApartmentConfig `yaml:"apartments" json:"apartments"`

	// BasicAuth, if non-nil, protects POST /api/refresh.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration with the four
// apartments of the property.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		LogLevel:    "info",
		RefreshCron: defaultRefreshCron,
		CacheDir:    defaultCacheDir,
		HorizonDays: defaultHorizonDays,
		Smoobu: SmoobuConfig{
			BaseURL: defaultSmoobuBaseURL,
			Timeout: defaultSmoobuTimeout,
		},
		Pricing: PricingConfig{
			Currency:      defaultCurrency,
			DefaultPrice:  defaultPrice,
			SentinelPrice: defaultSentinelPrice,
		},
		Apartments: []ApartmentConfig{
			{ID: "1", Name: "Girasole", SmoobuID: "1460917", FallbackPrice: 120},
			{ID: "2", Name: "Uliveto", SmoobuID: "1460920", FallbackPrice: 140},
			{ID: "3", Name: "Cipresso", SmoobuID: "1460923", FallbackPrice: 160},
			{ID: "4", Name: "Vigna", SmoobuID: "1460926", FallbackPrice: 180},
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.Smoobu.BaseURL == "" {
		c.Smoobu.BaseURL = defaultSmoobuBaseURL
	}
	if c.Smoobu.Timeout <= 0 {
		c.Smoobu.Timeout = defaultSmoobuTimeout
	}
	if c.Pricing.Currency == "" {
		c.Pricing.Currency = defaultCurrency
	}
	if c.Pricing.DefaultPrice <= 0 {
		c.Pricing.DefaultPrice = defaultPrice
	}
	if c.Pricing.SentinelPrice <= 0 {
		c.Pricing.SentinelPrice = defaultSentinelPrice
	}
	if c.Apartments == nil {
		c.Apartments = []ApartmentConfig{}
	}
	for i := range c.Apartments {
		if c.Apartments[i].FallbackPrice <= 0 {
			c.Apartments[i].FallbackPrice = c.Pricing.DefaultPrice
		}
	}
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvSmoobuAPIKey); v != "" {
		c.Smoobu.APIKey = v
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Apartments))
	for _, a := range c.Apartments {
		if a.ID == "" {
			return errors.New("apartment with empty id")
		}
		if seen[a.ID] {
			return errors.New("duplicate apartment id " + a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, normalized and validated.
//
// In both cases environment overrides are applied last.
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
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
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

	tmp, err := os.CreateTemp(dir, ".tuscanstay-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
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

// Save is a convenience method on Config that delegates to Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
