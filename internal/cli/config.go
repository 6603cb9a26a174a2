package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pthm/stratum/pkg/lock"
)

const (
	maxWalkDepth = 25
)

// ConfigNames are the file names looked up during auto-discovery.
var ConfigNames = []string{"stratum.yaml", "stratum.yml"}

// Config represents the stratum configuration from stratum.yaml.
type Config struct {
	// Schema is the declared schema file or directory.
	Schema        string   `mapstructure:"schema" json:"schema"`
	MigrationsDir string   `mapstructure:"migrations_dir" json:"migrations_dir"`
	IgnoreTables  []string `mapstructure:"ignore_tables" json:"ignore_tables"`

	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Lock     LockConfig     `mapstructure:"lock" json:"lock"`

	// Per-command configuration
	Generate GenerateConfig `mapstructure:"generate" json:"generate"`
	Apply    ApplyConfig    `mapstructure:"apply" json:"apply"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" json:"url"`
	// Driver forces the dialect ("postgres" or "sqlite"); inferred from the
	// URL when empty.
	Driver   string `mapstructure:"driver" json:"driver"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Name     string `mapstructure:"name" json:"name"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`
}

// LockConfig holds exclusive lock settings.
type LockConfig struct {
	Key     string        `mapstructure:"key" json:"key"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// MarshalJSON renders the timeout as a duration string, as it is written in
// stratum.yaml.
func (l LockConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key     string `json:"key"`
		Timeout string `json:"timeout"`
	}{l.Key, l.Timeout.String()})
}

// GenerateConfig holds generate settings.
type GenerateConfig struct {
	DetectRenames bool `mapstructure:"detect_renames" json:"detect_renames"`
	AllowEmpty    bool `mapstructure:"allow_empty" json:"allow_empty"`
	Offline       bool `mapstructure:"offline" json:"offline"`
}

// ApplyConfig holds apply settings.
type ApplyConfig struct {
	Force  bool `mapstructure:"force" json:"force"`
	DryRun bool `mapstructure:"dry_run" json:"dry_run"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Pushgateway is the URL apply pushes its metrics to; empty disables.
	Pushgateway string `mapstructure:"pushgateway" json:"pushgateway"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	// Top-level defaults
	v.SetDefault("schema", "schema")
	v.SetDefault("migrations_dir", "migrations")
	v.SetDefault("ignore_tables", []string{})

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.driver", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Lock defaults
	v.SetDefault("lock.key", "stratum")
	v.SetDefault("lock.timeout", lock.DefaultTimeout)

	// Generate defaults
	v.SetDefault("generate.detect_renames", false)
	v.SetDefault("generate.allow_empty", false)
	v.SetDefault("generate.offline", false)

	// Apply defaults
	v.SetDefault("apply.force", false)
	v.SetDefault("apply.dry_run", false)

	// Metrics defaults
	v.SetDefault("metrics.pushgateway", "")
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for stratum.yaml or stratum.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range ConfigNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Check for repo boundary (.git file or directory)
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a PostgreSQL URL from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	if db.Host == "" {
		return "", fmt.Errorf("database.url or database.host is required")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// Redacted returns a copy of the config safe to print: the password and the
// credentials of the URL are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.IgnoreTables = append([]string(nil), c.IgnoreTables...)
	if out.Database.Password != "" {
		out.Database.Password = "***"
	}
	if u, err := url.Parse(out.Database.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
			out.Database.URL = u.String()
		}
	}
	return &out
}
