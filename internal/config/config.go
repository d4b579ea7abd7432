// Package config provides configuration loading and validation for the
// tagsync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables read by the server
const EnvPrefix = "TAGSYNC"

const (
	// StoreTypeMemory keeps the document cache in process memory
	StoreTypeMemory = "memory"

	// StoreTypePostgres persists the document cache in PostgreSQL
	StoreTypePostgres = "postgres"
)

const (
	// TokenStoreTypeKeyring keeps the API token in the OS keyring
	TokenStoreTypeKeyring = "keyring"

	// TokenStoreTypeFile keeps the API token in a plain file
	TokenStoreTypeFile = "file"
)

// DefaultFetchConcurrency caps how many fetch tasks run at once
const DefaultFetchConcurrency = 5

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// APIRoot is the base URL of the multi-region API gateway. Region
	// ids are appended as the first path segment of every request.
	APIRoot string `yaml:"apiRoot"`

	// Address is the listen address of the local API server
	Address string `yaml:"address,omitempty"`

	// Regions is the static catalog of remote endpoints
	Regions []RegionConfig `yaml:"regions"`

	// Sync holds tunables for the fetch scheduler
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Store selects and configures the persisted document store
	Store StoreConfig `yaml:"store,omitempty"`

	// TokenStore selects where the API bearer token is persisted
	TokenStore TokenStoreConfig `yaml:"tokenStore,omitempty"`
}

// RegionConfig defines one remote endpoint identity
type RegionConfig struct {
	// ID is the region identifier used in request paths
	ID string `yaml:"id"`

	// Label is the display name of the region
	Label string `yaml:"label"`

	// Icon names the icon asset for the region
	Icon string `yaml:"icon,omitempty"`
}

// SyncConfig defines fetch scheduler settings
type SyncConfig struct {
	// Concurrency caps the number of fetch tasks in flight at once.
	// Defaults to DefaultFetchConcurrency.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// StoreConfig selects the document store implementation
type StoreConfig struct {
	// Type is either "memory" or "postgres". Defaults to "memory".
	Type string `yaml:"type,omitempty"`

	// Postgres holds connection settings, required when Type is "postgres"
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
}

// TokenStoreConfig selects the token store implementation
type TokenStoreConfig struct {
	// Type is either "keyring" or "file". Defaults to "keyring".
	Type string `yaml:"type,omitempty"`

	// Path is the token file location, required when Type is "file"
	Path string `yaml:"path,omitempty"`
}

// PostgresConfig defines database connection settings
type PostgresConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing
	// whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require,
	// verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from TAGSYNC_DATABASE_PASSWORD environment variable
//
// The password from file has leading/trailing whitespace trimmed.
func (p *PostgresConfig) GetPassword() (string, error) {
	if p.PasswordFile != "" {
		cleanPath := filepath.Clean(p.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", p.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable",
		EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (p *PostgresConfig) GetConnectionString() (string, error) {
	password, err := p.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		url.QueryEscape(password),
		p.Host,
		p.Port,
		p.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultFetchConcurrency
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreTypeMemory
	}
	if c.TokenStore.Type == "" {
		c.TokenStore.Type = TokenStoreTypeKeyring
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.APIRoot == "" {
		return fmt.Errorf("apiRoot is required")
	}
	parsed, err := url.Parse(c.APIRoot)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("apiRoot must be an absolute URL, got '%s'", c.APIRoot)
	}

	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region must be configured")
	}
	regionIDs := make(map[string]bool)
	for i, r := range c.Regions {
		if r.ID == "" {
			return fmt.Errorf("region[%d]: id is required", i)
		}
		if regionIDs[r.ID] {
			return fmt.Errorf("region[%d]: duplicate region id '%s'", i, r.ID)
		}
		regionIDs[r.ID] = true
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}

	switch c.Store.Type {
	case StoreTypeMemory:
	case StoreTypePostgres:
		if c.Store.Postgres == nil {
			return fmt.Errorf("store.postgres settings are required when store.type is %s", StoreTypePostgres)
		}
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host is required")
		}
		if c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.database is required")
		}
	default:
		return fmt.Errorf("store.type must be %s or %s, got '%s'", StoreTypeMemory, StoreTypePostgres, c.Store.Type)
	}

	switch c.TokenStore.Type {
	case TokenStoreTypeKeyring:
	case TokenStoreTypeFile:
		if c.TokenStore.Path == "" {
			return fmt.Errorf("tokenStore.path is required when tokenStore.type is %s", TokenStoreTypeFile)
		}
	default:
		return fmt.Errorf("tokenStore.type must be %s or %s, got '%s'",
			TokenStoreTypeKeyring, TokenStoreTypeFile, c.TokenStore.Type)
	}

	return nil
}
