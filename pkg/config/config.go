package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/ethpandaops/stressoor/pkg/registry"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default result store driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default result store location.
	DefaultSQLitePath = "./stressoor.db"

	// envPrefix is the prefix for environment variable overrides, e.g.
	// STRESSOOR_GLOBAL_LOG_LEVEL.
	envPrefix = "STRESSOOR"
)

// Config is the root configuration for stressoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Export   *ExportConfig  `yaml:"export,omitempty"`
	Executor ExecutorConfig `yaml:"executor"`
	Runs     []RunConfig    `yaml:"runs,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains API server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	Auth        BasicAuthConfig `yaml:"auth"`
}

// BasicAuthConfig enables HTTP basic auth on the API.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty"`
}

// BasicAuthUser is one API user.
type BasicAuthUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DatabaseConfig selects and configures the result store backend.
type DatabaseConfig struct {
	Driver   string                 `yaml:"driver"`
	SQLite   SQLiteDatabaseConfig   `yaml:"sqlite"`
	Postgres PostgresDatabaseConfig `yaml:"postgres"`
}

// SQLiteDatabaseConfig configures the sqlite backend.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path"`
}

// PostgresDatabaseConfig configures the postgres backend.
type PostgresDatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ExportConfig configures external export of finalized results.
type ExportConfig struct {
	S3 *S3ExportConfig `yaml:"s3,omitempty"`
}

// S3ExportConfig configures the S3-compatible result exporter.
type S3ExportConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty"`
}

// ExecutorConfig tunes request execution.
type ExecutorConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout,omitempty"`
	FatalThreshold int           `yaml:"fatal_threshold,omitempty"`
}

// RunConfig is one test definition for headless execution.
type RunConfig struct {
	Name         string              `yaml:"name"`
	ScenarioFile string              `yaml:"scenario_file,omitempty"`
	Definition   registry.Definition `yaml:"definition"`
}

// Load reads the configuration file and applies STRESSOOR_* environment
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides only apply to keys viper knows about.
	for _, key := range []string{
		"global.log_level",
		"server.listen",
		"database.driver",
		"database.sqlite.path",
		"database.postgres.host",
		"database.postgres.port",
		"database.postgres.user",
		"database.postgres.password",
		"database.postgres.database",
		"database.postgres.ssl_mode",
		"export.s3.bucket",
		"export.s3.access_key_id",
		"export.s3.secret_access_key",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := Decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Decode maps loosely-typed settings onto a config struct, parsing duration
// strings like "30s" along the way.
func Decode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		// Numbers arrive as float64 from JSON bodies and as strings from
		// environment overrides.
		WeaklyTypedInput: true,
		Result:           output,
		TagName:          "yaml",
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}

	return decoder.Decode(input)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Server.Auth.Enabled && len(c.Server.Auth.Users) == 0 {
		return fmt.Errorf("auth enabled but no users configured")
	}

	for i, user := range c.Server.Auth.Users {
		if user.Username == "" || user.Password == "" {
			return fmt.Errorf("auth user %d: username and password are required", i)
		}
	}

	if c.Export != nil && c.Export.S3 != nil && c.Export.S3.Enabled {
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("s3 export enabled but no bucket configured")
		}
	}

	seen := make(map[string]struct{}, len(c.Runs))

	for i := range c.Runs {
		run := &c.Runs[i]

		if run.Name == "" {
			return fmt.Errorf("run %d: name is required", i)
		}

		if _, dup := seen[run.Name]; dup {
			return fmt.Errorf("run %d: duplicate name %q", i, run.Name)
		}

		seen[run.Name] = struct{}{}

		if err := registry.ValidateDefinition(&run.Definition); err != nil {
			return fmt.Errorf("run %q: %w", run.Name, err)
		}
	}

	return nil
}
