package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the process configuration. It is read once at startup and
// handed to the cache and servers as plain values.
type Settings struct {
	SourceURL     string
	SourcePath    string
	SourceFile    string
	SchemaFile    string
	MissingValues string
	CacheTTL      time.Duration
	PollInterval  time.Duration
	FetchTimeout  time.Duration
	RefreshLimit  int

	Port          int
	FlightSQLPort int

	StoreDriver string
	StoreDSN    string

	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source_url", "")
	v.SetDefault("source_path", "/")
	v.SetDefault("source_file", "")
	v.SetDefault("schema_file", "")
	v.SetDefault("missing_values", "null")
	v.SetDefault("cache_ttl_seconds", 3600)
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("refresh_limit", 0)
	v.SetDefault("port", 8080)
	v.SetDefault("flightsql_port", 8082)
	v.SetDefault("store_driver", "duckdb")
	v.SetDefault("store_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads settings from the environment and, when file is set, from a
// config file. Environment variables win over the file.
func Load(file string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	s := &Settings{
		SourceURL:     v.GetString("source_url"),
		SourcePath:    v.GetString("source_path"),
		SourceFile:    v.GetString("source_file"),
		SchemaFile:    v.GetString("schema_file"),
		MissingValues: v.GetString("missing_values"),
		CacheTTL:      time.Duration(v.GetInt64("cache_ttl_seconds")) * time.Second,
		PollInterval:  v.GetDuration("poll_interval"),
		FetchTimeout:  v.GetDuration("fetch_timeout"),
		RefreshLimit:  v.GetInt("refresh_limit"),
		Port:          v.GetInt("port"),
		FlightSQLPort: v.GetInt("flightsql_port"),
		StoreDriver:   strings.ToLower(v.GetString("store_driver")),
		StoreDSN:      v.GetString("store_dsn"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the service cannot start with.
func (s *Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.FlightSQLPort < 0 || s.FlightSQLPort > 65535 {
		return fmt.Errorf("invalid flightsql port %d", s.FlightSQLPort)
	}
	switch s.StoreDriver {
	case "duckdb", "sqlite":
	default:
		return fmt.Errorf("unsupported store driver %q", s.StoreDriver)
	}
	if s.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %v", s.FetchTimeout)
	}
	return nil
}
