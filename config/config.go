// Package config holds the settings of a run, read from an optional TOML file.
// Command line flags and environment variables are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/pdok/hoogte/tileindex"
)

// Duration is a time.Duration written as a Go duration string, e.g. "10s" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Redis struct {
	// empty disables the shared tile index cache
	Address  string   `toml:"address" validate:"omitempty,hostname_port"`
	Password string   `toml:"password"`
	TTL      Duration `toml:"ttl"`
}

type Config struct {
	APIKey string `toml:"api_key" validate:"required"`
	// path to a grid set definition, empty uses the embedded one
	GridSet     string `toml:"grid_set"`
	StorageRoot string `toml:"storage_root" validate:"required"`

	Override   bool     `toml:"override" default:"true"`
	HeightTags []string `toml:"height_tags"`
	HeightTag  string   `toml:"height_tag" default:"z" validate:"required"`

	Workers         int      `toml:"workers" validate:"gte=1"`
	MaxAttempts     int      `toml:"max_attempts" default:"5" validate:"gte=1"`
	MaxFailedCycles int      `toml:"max_failed_cycles" validate:"gte=0"`
	PollInterval    Duration `toml:"poll_interval"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`

	FeedURL           string   `toml:"feed_url" validate:"required,url"`
	DownloadURL       string   `toml:"download_url" validate:"required,url"`
	RequestsPerSecond float64  `toml:"requests_per_second" validate:"gte=0"`
	RequestTimeout    Duration `toml:"request_timeout"`

	Redis Redis `toml:"redis"`
	// serves /metrics when set
	MetricsAddress string `toml:"metrics_address" validate:"omitempty,hostname_port"`
	PageSize       int    `toml:"page_size" default:"1000" validate:"gte=1"`
}

// SetDefaults fills what struct tags cannot express. It is called by defaults.Set.
func (c *Config) SetDefaults() {
	if c.StorageRoot == "" {
		c.StorageRoot = os.TempDir()
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(10 * time.Second)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(30 * time.Minute)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(5 * time.Minute)
	}
	if c.FeedURL == "" {
		c.FeedURL = tileindex.DefaultFeedURL
	}
	if c.DownloadURL == "" {
		c.DownloadURL = tileindex.DefaultDownloadURL
	}
}

// Default returns a config with every default set. It does not validate: the API key has no default.
func Default() Config {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		panic(fmt.Errorf("config defaults: %w", err))
	}
	return cfg
}

// Load returns the defaults overridden by the TOML file at path, if path is not empty.
// Unknown keys are an error. The result is not validated yet, see Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file).DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return cfg, fmt.Errorf("parse config %s: %s", path, strict.String())
		}
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.PollInterval <= 0 || c.ShutdownTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("invalid config: intervals and timeouts must be positive")
	}
	return nil
}
