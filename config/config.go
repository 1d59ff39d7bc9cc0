package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Database    DatabaseConfig    `yaml:"database"`
	Funding     FundingConfig     `yaml:"funding"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	BaseURL   string          `yaml:"base_url"`
	APIKey    string          `yaml:"api_key"`
	APISecret string          `yaml:"api_secret"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type DatabaseConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	DBName       string `yaml:"dbname"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type FundingConfig struct {
	TopNSymbols           int               `yaml:"top_n_symbols"`
	SnapshotWindowMinutes int               `yaml:"snapshot_window_minutes"`
	LogIntervalHours      int               `yaml:"log_interval_hours"`
	Historical            HistoricalConfig  `yaml:"historical"`
	TimeWindows           TimeWindowsConfig `yaml:"time_windows"`
}

type HistoricalConfig struct {
	DaysBack int `yaml:"days_back"`
}

type TimeWindowsConfig struct {
	DailyDaysBack       int `yaml:"daily_days_back"`
	HourlyHoursBack     int `yaml:"hourly_hours_back"`
	TenMinHoursBefore   int `yaml:"ten_min_hours_before"`
	OneMinMinutesBefore int `yaml:"one_min_minutes_before"`
	OneMinMinutesAfter  int `yaml:"one_min_minutes_after"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the YAML configuration file, applies defaults, overrides
// credentials from the environment and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Exchange: ExchangeConfig{
			BaseURL: "https://contract.mexc.com",
			Timeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         10,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Database: DatabaseConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{Path: "database/funding_rates.db"},
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				User:         "postgres",
				DBName:       "funding_rates",
				SSLMode:      "disable",
				MaxOpenConns: 10,
				MaxIdleConns: 2,
			},
		},
		Funding: FundingConfig{
			TopNSymbols:           5,
			SnapshotWindowMinutes: 60,
			LogIntervalHours:      8,
			Historical:            HistoricalConfig{DaysBack: 30},
			TimeWindows: TimeWindowsConfig{
				DailyDaysBack:       3,
				HourlyHoursBack:     24,
				TenMinHoursBefore:   4,
				OneMinMinutesBefore: 15,
				OneMinMinutesAfter:  15,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
			MaxAge: 30,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials always come from the environment when present
	if v := os.Getenv("MEXC_API_KEY"); v != "" {
		config.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("MEXC_API_SECRET"); v != "" {
		config.Exchange.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		config.Database.Postgres.Password = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}

	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	if cfg.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}

	if cfg.Exchange.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Exchange.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("exchange.retry.max_attempts must be greater than 0")
	}

	switch strings.ToLower(cfg.Database.Type) {
	case "sqlite":
		if cfg.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres", "postgresql":
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.DBName == "" {
			return fmt.Errorf("database.postgres.dbname is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}

	if cfg.Funding.TopNSymbols <= 0 {
		return fmt.Errorf("funding.top_n_symbols must be greater than 0")
	}

	tw := cfg.Funding.TimeWindows
	if tw.DailyDaysBack <= 0 || tw.HourlyHoursBack <= 0 || tw.TenMinHoursBefore <= 0 {
		return fmt.Errorf("funding.time_windows lookback values must be greater than 0")
	}
	if tw.OneMinMinutesBefore <= 0 || tw.OneMinMinutesAfter <= 0 {
		return fmt.Errorf("funding.time_windows one minute windows must be greater than 0")
	}

	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when S3 export is enabled")
	}

	return nil
}
