package tracehist

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config defines the settings for building a state history.
type Config struct {
	// Path is the history file location. Required for the tiled backend.
	Path string `yaml:"path"`

	// SSID identifies the owning state system.
	SSID string `yaml:"ssid"`

	// ProviderVersion is the version of the state provider that builds the
	// history. Existing files are only reopened when it matches.
	ProviderVersion int `yaml:"provider_version"`

	// NPixels is the per-tile sampling budget. Default: 2000.
	NPixels int `yaml:"n_pixels"`

	// Resolutions is the explicit resolution ladder, coarsest first. Leave
	// empty to derive it from the trace range.
	Resolutions []int64 `yaml:"resolutions"`

	// Partial configures the checkpoint-partial front-end.
	Partial PartialConfig `yaml:"partial"`

	// Archive configures history file archival.
	Archive ArchiveConfig `yaml:"archive"`

	// AttributeDBPath is the companion SQLite database holding the
	// attribute tree. Empty disables companion persistence.
	AttributeDBPath string `yaml:"attribute_db_path"`
}

// PartialConfig groups checkpoint-partial history settings.
type PartialConfig struct {
	// Enabled wraps the storage backend with the checkpoint front-end.
	Enabled bool `yaml:"enabled"`

	// Granularity is the time distance between checkpoints, in trace time
	// units. Default: 100,000.
	Granularity int64 `yaml:"granularity"`
}

// ArchiveConfig groups history archival settings.
type ArchiveConfig struct {
	// Enabled turns on archival of finished history files.
	Enabled bool `yaml:"enabled"`

	// Backend selects the archive store: "file", "memory", or "s3".
	Backend string `yaml:"backend"`

	// Dir is the base directory of the file backend.
	Dir string `yaml:"dir"`

	// S3 configures the S3 backend.
	S3 S3ArchiveConfig `yaml:"s3"`

	// Encryption configures encryption of archived blobs.
	Encryption EncryptionConfig `yaml:"encryption"`
}

// S3ArchiveConfig configures the S3 archive backend.
type S3ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// AccessKeyID and SecretAccessKey authenticate against S3. Prefer IAM
	// roles or the AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY environment
	// variables over setting these in a config file.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// DefaultPartialGranularity is the checkpoint cadence used when none is
// configured.
const DefaultPartialGranularity = 100_000

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.NPixels == 0 {
		c.NPixels = DefaultNPixels
	}
	if c.Partial.Granularity == 0 {
		c.Partial.Granularity = DefaultPartialGranularity
	}
	if c.Archive.Backend == "" {
		c.Archive.Backend = "file"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.NPixels < 2 {
		return errors.New("config: n_pixels must be at least 2")
	}
	for i := 1; i < len(c.Resolutions); i++ {
		if c.Resolutions[i] >= c.Resolutions[i-1] {
			return errors.New("config: resolutions must decrease from coarsest to finest")
		}
	}
	if len(c.Resolutions) > 0 && c.Resolutions[len(c.Resolutions)-1] <= 0 {
		return errors.New("config: resolutions must be positive")
	}
	if c.Partial.Enabled && c.Partial.Granularity <= 0 {
		return errors.New("config: partial granularity must be positive")
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "file":
			if c.Archive.Dir == "" {
				return errors.New("config: file archive needs a dir")
			}
		case "memory":
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return errors.New("config: s3 archive needs a bucket")
			}
		default:
			return fmt.Errorf("config: unknown archive backend %q", c.Archive.Backend)
		}
	}
	return nil
}
